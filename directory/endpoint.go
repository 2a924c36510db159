// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

package directory

import (
	"fmt"

	"github.com/hearth-federation/hearth/identity"
)

// NewSignedEndpoint builds and signs an endpoint advertisement for
// the local instance. reachableAt is the transport address peers
// should dial, or empty for an originate-only instance. updatedAt is
// unix milliseconds.
func NewSignedEndpoint(person *identity.Person, instance *identity.Instance, reachableAt string, updatedAt int64) (Endpoint, error) {
	if instance.Owner != person.ID {
		return Endpoint{}, fmt.Errorf("instance %s is owned by %s, not %s", instance.ID, instance.Owner, person.ID)
	}

	endpoint := Endpoint{
		Person:          person.ID,
		Instance:        instance.ID,
		PersonKeyHash:   person.KeyHash(),
		InstanceKeyHash: instance.KeyHash(),
		ReachableAt:     reachableAt,
		UpdatedAt:       updatedAt,
	}
	message, err := endpoint.SigningBytes()
	if err != nil {
		return Endpoint{}, err
	}
	endpoint.Signature = person.Sign(message)
	return endpoint, nil
}
