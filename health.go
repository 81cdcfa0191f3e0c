package main

import (
	"fmt"
	"net/http"

	fthealth "github.com/Financial-Times/go-fthealth/v1a"
)

func (m *backendMonitor) registryCheck() fthealth.Check {
	return fthealth.Check{
		BusinessImpact:   "Function invocations keep routing on the last known backends, which go stale as instances scale.",
		Name:             "zookeeper-connectivity",
		PanicGuide:       "https://github.com/function-router/function-router/blob/master/README.md",
		Severity:         1,
		TechnicalSummary: "The router cannot reach ZooKeeper to refresh its routing table. Check the ensemble and network path.",
		Checker:          m.checkRegistry,
	}
}

func (m *backendMonitor) checkRegistry() (string, error) {
	functions, err := m.listFunctions()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d functions registered", len(functions)), nil
}

func (m *backendMonitor) handleGoodToGo(w http.ResponseWriter, r *http.Request) {
	if _, err := m.checkRegistry(); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}
