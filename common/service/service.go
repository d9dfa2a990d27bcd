// Package service provides service primitives.
package service

import (
	"github.com/oasisprotocol/enclave-worker/common/logging"
)

// BackgroundService is a background service.
type BackgroundService interface {
	// Name returns the service name.
	Name() string

	// Start starts the service.
	Start() error

	// Stop halts the service.
	Stop()

	// Quit returns a channel that will be closed when the service terminates.
	Quit() <-chan struct{}

	// Cleanup performs the service specific post-termination cleanup.
	Cleanup()
}

// BaseBackgroundService is a base implementation of BackgroundService.
type BaseBackgroundService struct {
	name        string
	quitChannel chan struct{}
	Logger      *logging.Logger
}

// Name returns the service name.
func (b *BaseBackgroundService) Name() string {
	return b.name
}

// Start starts the service.
func (b *BaseBackgroundService) Start() error {
	return nil
}

// Stop halts the service.
func (b *BaseBackgroundService) Stop() {
	close(b.quitChannel)
}

// Quit returns a channel that will be closed when the service terminates.
func (b *BaseBackgroundService) Quit() <-chan struct{} {
	return b.quitChannel
}

// Cleanup performs the service specific post-termination cleanup.
func (b *BaseBackgroundService) Cleanup() {
}

// NewBaseBackgroundService creates a new base background service implementation.
func NewBaseBackgroundService(name string) *BaseBackgroundService {
	return &BaseBackgroundService{
		name:        name,
		quitChannel: make(chan struct{}),
		Logger:      logging.GetLogger(name),
	}
}
