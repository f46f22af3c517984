package router

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/mtzanidakis/concierge/internal/protocol"
)

// Discover sends a capability_query to every address and collects the
// answers in address order. Addresses that do not answer are reported in
// the joined error; the capabilities that did arrive are still returned.
func Discover(ctx context.Context, transport protocol.Transport, addresses []string) ([]protocol.Capability, error) {
	caps := make([]*protocol.Capability, len(addresses))
	errs := make([]error, len(addresses))

	var wg sync.WaitGroup
	for i, address := range addresses {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := query(ctx, transport, address)
			if err != nil {
				errs[i] = fmt.Errorf("discover %s: %w", address, err)
				return
			}
			caps[i] = c
		}()
	}
	wg.Wait()

	var out []protocol.Capability
	for _, c := range caps {
		if c != nil {
			out = append(out, *c)
		}
	}
	return out, errors.Join(errs...)
}

func query(ctx context.Context, transport protocol.Transport, address string) (*protocol.Capability, error) {
	env, err := protocol.NewEnvelope(protocol.KindCapabilityQuery, protocol.RoleRouter, "", nil)
	if err != nil {
		return nil, err
	}
	reply, err := transport.Send(ctx, env, address)
	if err != nil {
		return nil, err
	}
	if reply.Kind == protocol.KindTaskError && reply.Error != nil {
		return nil, reply.Error
	}
	if reply.Kind != protocol.KindCapabilityResponse {
		return nil, protocol.Validation(protocol.CodeMalformed, fmt.Sprintf("unexpected reply kind %q", reply.Kind))
	}
	var c protocol.Capability
	if err := reply.Decode(&c); err != nil {
		return nil, protocol.Validation(protocol.CodeMalformed, err.Error())
	}
	if c.Address == "" {
		c.Address = address
	}
	return &c, nil
}
