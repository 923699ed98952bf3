package normalizer

import "github.com/dalelaibeyond/iot-middleware-pro-sub002/internal/sif"

// entryInt extracts an int field from a SIF entry, tolerating the
// float64/int mix that JSON decoding and binary decoding produce.
func entryInt(e sif.Entry, key string) int {
	switch v := e[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

func entryFloat(e sif.Entry, key string) float64 {
	switch v := e[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return 0
	}
}

func entryStr(e sif.Entry, key string) string {
	s, _ := e[key].(string)
	return s
}

func entryBool(e sif.Entry, key string) bool {
	b, _ := e[key].(bool)
	return b
}

func entrySub(e sif.Entry, key string) []sif.Entry {
	sub, _ := e[key].([]sif.Entry)
	return sub
}

func moduleIndexOrZero(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}
