package shared

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/sirupsen/logrus"
)

var registryLog = logrus.WithField("prefix", "shared")

// Service is the interface every long-running subsystem registered into a
// ServiceRegistry must implement: the anchor-chain view, the sortition
// store's owning process, the coordinator, the inventory synchronizer, the
// downloader, and the P2P core all satisfy this.
type Service interface {
	// Start spawns any goroutines required by the service.
	Start()
	// Stop terminates all goroutines owned by the service and cleans up
	// resources, returning an error if this process fails.
	Stop() error
	// Status returns an error if the service is unhealthy.
	Status() error
}

// ServiceRegistry provides a useful pattern for managing the lifecycle of
// services, allowing for ease of dependency resolution at runtime without
// relying on the order in which services are registered.
type ServiceRegistry struct {
	lock         sync.RWMutex
	services     map[reflect.Type]Service
	serviceTypes []reflect.Type
}

// NewServiceRegistry starts a registry instance for convenience.
func NewServiceRegistry() *ServiceRegistry {
	return &ServiceRegistry{
		services: make(map[reflect.Type]Service),
	}
}

// StartAll initialized each service in order of registration.
func (r *ServiceRegistry) StartAll() {
	r.lock.RLock()
	defer r.lock.RUnlock()
	registryLog.Infof("Starting %d services: %v", len(r.serviceTypes), r.serviceTypes)
	for _, kind := range r.serviceTypes {
		registryLog.Debugf("Starting service %v", kind)
		r.services[kind].Start()
	}
}

// StopAll ends every service in reverse order of registration, so that
// services with dependents are stopped after them.
func (r *ServiceRegistry) StopAll() {
	r.lock.RLock()
	defer r.lock.RUnlock()
	for i := len(r.serviceTypes) - 1; i >= 0; i-- {
		kind := r.serviceTypes[i]
		service := r.services[kind]
		if err := service.Stop(); err != nil {
			registryLog.Errorf("Could not stop service %v: %v", kind, err)
		}
	}
}

// Statuses returns a map of Service type -> error. The map will be populated
// with the results of each service.Status() method call.
func (r *ServiceRegistry) Statuses() map[reflect.Type]error {
	r.lock.RLock()
	defer r.lock.RUnlock()
	m := make(map[reflect.Type]error)
	for _, kind := range r.serviceTypes {
		m[kind] = r.services[kind].Status()
	}
	return m
}

// RegisterService appends a service constructed by the caller to the
// service registry.
func (r *ServiceRegistry) RegisterService(service Service) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	kind := reflect.TypeOf(service)
	if _, exists := r.services[kind]; exists {
		return fmt.Errorf("service already exists: %v", kind)
	}
	r.services[kind] = service
	r.serviceTypes = append(r.serviceTypes, kind)
	return nil
}

// FetchService takes a struct pointer and sets the value of that pointer
// to a service currently stored in the service registry. This ensures
// that services can be scoped by service type, and that dependent services
// are resolvable at runtime regardless of registration order.
func (r *ServiceRegistry) FetchService(service interface{}) error {
	if reflect.TypeOf(service).Kind() != reflect.Ptr {
		return fmt.Errorf("input must be of pointer type, received value type instead: %T", service)
	}
	r.lock.RLock()
	defer r.lock.RUnlock()
	element := reflect.ValueOf(service).Elem()
	if running, ok := r.services[element.Type()]; ok {
		element.Set(reflect.ValueOf(running))
		return nil
	}
	return fmt.Errorf("unknown service: %T", service)
}
