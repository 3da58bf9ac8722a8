//go:build !linux

package cache

func processRSSBytes() (uint64, bool) { return 0, false }

func availableMemoryBytes() (uint64, bool) { return 0, false }
