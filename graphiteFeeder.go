package main

import (
	"errors"
	"fmt"
	"net"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	pilotLightFormat = "fnrouter.discovery.%s.pilot-light 1 %d\n"
	metricFormat     = "fnrouter.discovery.%s.functions.%s.backends %d %d\n"
)

// graphiteFeeder pushes per-function backend counts to Graphite over a plain
// TCP connection, reconnecting when a write fails.
type graphiteFeeder struct {
	address     string
	environment string
	connection  net.Conn
	ticker      *time.Ticker
	monitor     *backendMonitor
}

func newGraphiteFeeder(address string, environment string, monitor *backendMonitor) *graphiteFeeder {
	connection := tcpConnect(address)
	ticker := time.NewTicker(60 * time.Second)
	return &graphiteFeeder{address, environment, connection, ticker, monitor}
}

func (g *graphiteFeeder) feed() {
	for range g.ticker.C {
		errPilot := g.sendPilotLight()
		if errPilot != nil {
			log.WithError(errPilot).Warn("Problem encountered while sending pilot light to Graphite")
			g.reconnect()
		}

		errCounts := g.sendBackendCounts()
		if errCounts != nil {
			log.WithError(errCounts).Warn("Problem encountered while sending backend counts to Graphite")
			g.reconnect()
		}
	}
}

func (g *graphiteFeeder) sendPilotLight() error {
	if g.connection == nil {
		return errors.New("can't send pilot light, no Graphite connection is set")
	}

	_, err := fmt.Fprintf(g.connection, pilotLightFormat, g.environment, time.Now().Unix())
	return err
}

func (g *graphiteFeeder) sendBackendCounts() error {
	if g.connection == nil {
		return errors.New("can't send backend counts, no Graphite connection is set")
	}

	now := time.Now().Unix()
	for functionID, count := range g.monitor.directory.backendCounts() {
		_, err := fmt.Fprintf(g.connection, metricFormat, g.environment, functionID.String(), count, now)
		if err != nil {
			return err
		}
	}
	return nil
}

func (g *graphiteFeeder) reconnect() {
	log.Info("Reconnecting to Graphite host.")
	if g.connection != nil {
		g.connection.Close()
	}
	g.connection = tcpConnect(g.address)
}

func tcpConnect(address string) net.Conn {
	conn, err := net.Dial("tcp", address)
	if err != nil {
		log.WithError(err).Warn("Error while creating TCP connection to Graphite")
		return nil
	}
	tcpConn := conn.(*net.TCPConn)
	tcpConn.SetKeepAlive(true)
	tcpConn.SetKeepAlivePeriod(30 * time.Minute)
	return conn
}
