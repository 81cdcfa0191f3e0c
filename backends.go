package main

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// backendRecord is the wire form of a backend as stored in the backends znode
// payload. The payload is a JSON array of records; an empty payload means the
// function currently has no backends.
type backendRecord struct {
	IP         string `json:"ip"`
	InstanceID string `json:"instance_id"`
}

func decodeBackends(raw []byte) ([]backend, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	var records []backendRecord
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("unmarshalling backends payload: %w", err)
	}

	backends := make([]backend, 0, len(records))
	for _, record := range records {
		instanceID, err := uuid.Parse(record.InstanceID)
		if err != nil {
			return nil, fmt.Errorf("invalid backend instance id %q: %w", record.InstanceID, err)
		}
		backends = append(backends, backend{ip: record.IP, instanceID: instanceID})
	}
	return backends, nil
}

func encodeBackends(backends []backend) []byte {
	records := make([]backendRecord, 0, len(backends))
	for _, b := range backends {
		records = append(records, backendRecord{IP: b.ip, InstanceID: b.instanceID.String()})
	}
	raw, _ := json.Marshal(records)
	return raw
}
