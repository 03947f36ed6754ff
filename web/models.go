package web

// originHeader contains the tier the response was served from: memory, disk or network.
const originHeader = "X-Rload-From"

type (
	CacheInfo struct {
		Source string `json:"src"`
		Cached bool   `json:"cached"`
		// Path is the path of the persistent entry, empty if the source is not cached.
		Path string `json:"path,omitempty"`
		// InMemory reports whether any decoded result of the source is in memory.
		InMemory bool `json:"in_memory"`

		SizeBytes int64  `json:"size_bytes,omitempty"`
		Size      string `json:"size,omitempty"`
		// Age is the time since the last write of the persistent entry.
		Age string `json:"age,omitempty"`
	}

	CancelResult struct {
		Cancelled int `json:"cancelled"`
	}
)
