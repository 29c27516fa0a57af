package poller

import (
	"encoding/json"

	"github.com/c360/semgate/health"
)

const bytesPerMB = 1024 * 1024

// ParseResources extracts optional uptime, memory and cpu figures from a JSON
// health payload. memory may be a number in MB or an object with rss/heapUsed
// in bytes. It returns nil when the payload carries none of them.
func ParseResources(body []byte) *health.Resources {
	if len(body) == 0 {
		return nil
	}
	var payload struct {
		Uptime *float64        `json:"uptime"`
		Memory json.RawMessage `json:"memory"`
		CPU    json.RawMessage `json:"cpu"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil
	}

	res := &health.Resources{
		UptimeSeconds: payload.Uptime,
		MemoryMB:      parseMemory(payload.Memory),
		CPUPercent:    parseCPU(payload.CPU),
	}
	if res.UptimeSeconds == nil && res.MemoryMB == nil && res.CPUPercent == nil {
		return nil
	}
	return res
}

func parseMemory(raw json.RawMessage) *float64 {
	if len(raw) == 0 {
		return nil
	}
	var mb float64
	if err := json.Unmarshal(raw, &mb); err == nil {
		return &mb
	}
	var usage struct {
		RSS      *float64 `json:"rss"`
		HeapUsed *float64 `json:"heapUsed"`
	}
	if err := json.Unmarshal(raw, &usage); err != nil {
		return nil
	}
	switch {
	case usage.RSS != nil:
		v := *usage.RSS / bytesPerMB
		return &v
	case usage.HeapUsed != nil:
		v := *usage.HeapUsed / bytesPerMB
		return &v
	}
	return nil
}

func parseCPU(raw json.RawMessage) *float64 {
	if len(raw) == 0 {
		return nil
	}
	var pct float64
	if err := json.Unmarshal(raw, &pct); err == nil {
		return &pct
	}
	var usage struct {
		Percent *float64 `json:"percent"`
		Usage   *float64 `json:"usage"`
	}
	if err := json.Unmarshal(raw, &usage); err != nil {
		return nil
	}
	if usage.Percent != nil {
		return usage.Percent
	}
	return usage.Usage
}
