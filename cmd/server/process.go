package main

import (
	"os"
	"runtime"
	"strconv"

	"github.com/shirou/gopsutil/host"
)

// getProcessInfo returns the startup fields logged once per process
func getProcessInfo() map[string]interface{} {
	info := map[string]interface{}{
		"pid":        os.Getpid(),
		"ppid":       os.Getppid(),
		"hostname":   getHostname(),
		"go_version": runtime.Version(),
		"cpus":       runtime.NumCPU(),
	}
	if h, err := host.Info(); err == nil {
		info["os"] = h.OS
		info["platform"] = h.Platform
		info["kernel"] = h.KernelVersion
	}
	return info
}

func getHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return hostname
}

// getPort lets PORT override the configured admin port
func getPort(defaultPort int) int {
	if portStr := os.Getenv("PORT"); portStr != "" {
		if port, err := strconv.Atoi(portStr); err == nil && port > 0 && port <= 65535 {
			return port
		}
	}
	return defaultPort
}
