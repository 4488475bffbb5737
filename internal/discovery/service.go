// Package discovery shapes the results of a backend's one-shot scan:
// stable identifiers, optional reachability filtering and deterministic
// ordering.
package discovery

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/atvbridge/atvbridge/internal/backend"
	"github.com/atvbridge/atvbridge/internal/domain"
)

const (
	defaultScanTimeout = 10 * time.Second
	reachabilityWait   = 400 * time.Millisecond
	reachabilityPort   = "7000"
)

var isReachableAddress = defaultReachableAddress

type Service struct {
	backend backend.Backend
}

func NewService(b backend.Backend) *Service {
	return &Service{backend: b}
}

// Scan probes for devices and normalizes the results.
func (s *Service) Scan(ctx context.Context, timeout time.Duration, includeUnreachable bool) ([]domain.DiscoveredDevice, error) {
	if timeout <= 0 {
		timeout = defaultScanTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	found, err := s.backend.Scan(ctx)
	if err != nil {
		return nil, err
	}

	normalized := normalizeDevices(found)
	if !includeUnreachable {
		normalized = filterReachable(normalized)
	}
	sortDevices(normalized)
	return normalized, nil
}

func normalizeDevices(found []domain.DiscoveredDevice) []domain.DiscoveredDevice {
	result := make([]domain.DiscoveredDevice, 0, len(found))
	for _, dev := range found {
		id := strings.TrimSpace(dev.ID)
		address := strings.TrimSpace(dev.Address)
		if id == "" {
			id = stableID(address)
		}
		result = append(result, domain.DiscoveredDevice{
			ID:      id,
			Name:    strings.TrimSpace(dev.Name),
			Address: address,
			Model:   strings.TrimSpace(dev.Model),
		})
	}
	return result
}

func filterReachable(all []domain.DiscoveredDevice) []domain.DiscoveredDevice {
	filtered := make([]domain.DiscoveredDevice, 0, len(all))
	for _, dev := range all {
		if isReachableAddress(dev.Address, reachabilityWait) {
			filtered = append(filtered, dev)
		}
	}
	return filtered
}

func sortDevices(all []domain.DiscoveredDevice) {
	sort.Slice(all, func(i, j int) bool {
		if !strings.EqualFold(all[i].Name, all[j].Name) {
			return strings.ToLower(all[i].Name) < strings.ToLower(all[j].Name)
		}
		if all[i].Address != all[j].Address {
			return all[i].Address < all[j].Address
		}
		return all[i].ID < all[j].ID
	})
}

func stableID(address string) string {
	canonical := fmt.Sprintf("atv|%s", strings.ToLower(strings.TrimSpace(address)))
	sum := sha1.Sum([]byte(canonical))
	return "dev_" + hex.EncodeToString(sum[:8])
}

func defaultReachableAddress(address string, timeout time.Duration) bool {
	address = strings.TrimSpace(address)
	if address == "" {
		return false
	}
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(address, reachabilityPort), timeout)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
