//go:build integration
// +build integration

// Package integration provides integration tests that run against a real
// MQTT broker and a Modbus-TCP simulator.
package integration

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"testing"
	"time"
)

// TestConfig holds configuration for integration tests.
type TestConfig struct {
	ModbusHost string
	ModbusPort int
	MQTTHost   string
	MQTTPort   int
}

// DefaultConfig returns the default test configuration.
// Override with environment variables.
func DefaultConfig() TestConfig {
	return TestConfig{
		ModbusHost: getEnvOrDefault("TEST_MODBUS_HOST", "localhost"),
		ModbusPort: getEnvOrDefaultInt("TEST_MODBUS_PORT", 5020),
		MQTTHost:   getEnvOrDefault("TEST_MQTT_HOST", "localhost"),
		MQTTPort:   getEnvOrDefaultInt("TEST_MQTT_PORT", 1883),
	}
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvOrDefaultInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// ModbusAddress returns host:port of the Modbus simulator.
func (c TestConfig) ModbusAddress() string {
	return net.JoinHostPort(c.ModbusHost, strconv.Itoa(c.ModbusPort))
}

// MQTTBrokerURL returns the MQTT broker URL for testing.
func (c TestConfig) MQTTBrokerURL() string {
	return fmt.Sprintf("tcp://%s:%d", c.MQTTHost, c.MQTTPort)
}

// ContextWithTestTimeout returns a context with a test timeout.
func ContextWithTestTimeout(t *testing.T) (context.Context, context.CancelFunc) {
	timeout := 30 * time.Second
	if testing.Short() {
		timeout = 5 * time.Second
	}
	return context.WithTimeout(context.Background(), timeout)
}

// SkipIfUnreachable skips the test when nothing listens on host:port.
func SkipIfUnreachable(t *testing.T, host string, port int) {
	t.Helper()
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Skipf("%s not reachable: %v", addr, err)
	}
	conn.Close()
}

// WaitForCondition waits for a condition to become true.
func WaitForCondition(t *testing.T, condition func() bool, timeout time.Duration, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v: %s", timeout, msg)
}
