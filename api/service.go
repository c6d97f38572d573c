package api

import (
	"fmt"

	"github.com/GTskipz/bono-nutricion-expediente-api/internal/serviceiface"
)

type GatewayService struct {
	config map[string]interface{}
}

func NewGatewayService(cfg map[string]interface{}) serviceiface.Service {
	return &GatewayService{config: cfg}
}

func (s *GatewayService) Name() string {
	return "gateway"
}

func (s *GatewayService) Start() error {
	port := 8080
	switch v := s.config["port"].(type) {
	case int:
		port = v
	case float64:
		port = int(v)
	}
	sesanPort := 7143
	switch v := s.config["sesan_port"].(type) {
	case int:
		sesanPort = v
	case float64:
		sesanPort = int(v)
	}
	go StartGateway(port, fmt.Sprintf("http://localhost:%d", sesanPort))
	return nil
}

func (s *GatewayService) Stop() error {
	return nil
}
