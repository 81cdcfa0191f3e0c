package main

import "github.com/google/uuid"

// backend is one running instance of a function. Two backends with the same
// address but different instance ids are distinct backends.
type backend struct {
	ip         string
	instanceID uuid.UUID
}

func (b backend) key() string {
	return b.ip + "/" + b.instanceID.String()
}
