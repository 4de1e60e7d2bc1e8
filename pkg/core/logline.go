package core

// LogLine is one daemon log line republished by the log monitor.
type LogLine struct {
	Stream   string `json:"stream"`
	TsUnixMs int64  `json:"ts_unix_ms"`
	Level    Level  `json:"level"`
	Line     string `json:"line"`
}

// Batch is one record batch received over the bridge socket.
type Batch struct {
	Stream   string `json:"stream"`
	TsUnixMs int64  `json:"ts_unix_ms"`
	Records  int    `json:"records"`
	Value    any    `json:"value"`
}
