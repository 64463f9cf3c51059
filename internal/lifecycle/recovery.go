package lifecycle

import (
	"context"
	"sort"
	"time"

	"github.com/portside-io/portside/internal/log"
	"github.com/portside-io/portside/internal/proxy"
)

// RecoverExistingProxies scans the backend for containers left behind by
// a previous process instance, rebuilds their proxy records and
// re-registers them. Recovered proxies end up with the same routing
// entries a fresh start would have produced.
func (s *Service) RecoverExistingProxies(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "lifecycle.recover_existing_proxies")
	defer span.End()

	infos, err := s.backend.ScanExistingContainers(ctx)
	if err != nil {
		return err
	}
	if len(infos) == 0 {
		return nil
	}

	byProxy := make(map[string][]proxy.ExistingContainerInfo)
	for _, info := range infos {
		if info.ProxyID == "" {
			log.Warn(log.CatRecovery, "skipping container without proxy id", "containerID", info.ContainerID)
			continue
		}
		byProxy[info.ProxyID] = append(byProxy[info.ProxyID], info)
	}

	recovered := 0
	for proxyID, group := range byProxy {
		if err := s.recoverProxy(ctx, proxyID, group); err != nil {
			log.ErrorErr(log.CatRecovery, "recovering proxy failed", err, "proxyID", proxyID)
			continue
		}
		recovered++
	}
	log.Info(log.CatRecovery, "startup recovery complete", "recovered", recovered, "containers", len(infos))
	return nil
}

func (s *Service) recoverProxy(ctx context.Context, proxyID string, group []proxy.ExistingContainerInfo) error {
	unlock := s.lockProxy(proxyID)
	defer unlock()

	if existing, err := s.registry.GetProxy(ctx, proxyID); err == nil && existing != nil {
		// Already registered, e.g. by a cooperating process sharing the
		// store. Reconciliation happened during the read.
		return nil
	}

	sort.Slice(group, func(i, j int) bool { return group[i].ContainerIdx < group[j].ContainerIdx })

	p := &proxy.Proxy{
		ID:        proxyID,
		SpecID:    group[0].SpecID,
		UserID:    group[0].UserID,
		Status:    proxy.StatusUp,
		CreatedAt: time.Now(),
		StartedAt: time.Now(),
	}
	for _, info := range group {
		c := proxy.Container{
			Index:         info.ContainerIdx,
			ID:            info.ContainerID,
			RuntimeLabels: info.Labels,
		}
		c, err := s.backend.SetupPortMappingExistingProxy(ctx, p, c, info.PortBindings, "")
		if err != nil {
			return err
		}
		p.Containers = append(p.Containers, c)
	}

	return s.registry.AddProxy(ctx, p)
}
