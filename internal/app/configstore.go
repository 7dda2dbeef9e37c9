package app

import (
	"fmt"

	"nyxd/internal/config"
)

// configStore adapts the config manager to the registry's persistence hook.
// Every change goes through Mutate, so it validates and saves atomically.
type configStore struct {
	cfgm *config.Manager
}

func (s configStore) AddService(svc config.Service) error {
	_, err := s.cfgm.Mutate(func(c *config.Config) error {
		if _, ok := c.FindService(svc.Name); ok {
			return fmt.Errorf("service %q already persisted", svc.Name)
		}
		c.Services = append(c.Services, svc)
		return nil
	})
	return err
}

func (s configStore) RemoveService(name string) error {
	_, err := s.cfgm.Mutate(func(c *config.Config) error {
		kept := c.Services[:0]
		for _, svc := range c.Services {
			if svc.Name != name {
				kept = append(kept, svc)
			}
		}
		c.Services = kept
		return nil
	})
	return err
}
