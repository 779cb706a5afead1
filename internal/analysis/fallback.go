package analysis

import (
	"hash/fnv"

	json "github.com/goccy/go-json"
)

// fallbackPayload is the fabricated analysis served when the upstream cannot
// be reached at all. Field order is fixed so two generations for the same key
// marshal to byte-identical JSON.
type fallbackPayload struct {
	Key         string  `json:"key"`
	Source      string  `json:"source"`
	HardnessMgL int     `json:"hardnessMgL"`
	PH          float64 `json:"ph"`
	ChlorineMgL float64 `json:"chlorineMgL"`
	NitratesMgL int     `json:"nitratesMgL"`
	TDSMgL      int     `json:"tdsMgL"`
	RiskScore   int     `json:"riskScore"`
	Disclaimer  string  `json:"disclaimer"`
}

const fallbackDisclaimer = "estimated values generated offline, not a measurement"

// Fallback fabricates a plausible analysis payload for key. The values are
// demo data, not measurements: an FNV-1a checksum over the key seeds every
// numeric field, scaled into plausible ranges, so the same key always yields
// the same bytes.
func Fallback(key string) json.RawMessage {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	seed := h.Sum64()

	payload := fallbackPayload{
		Key:         key,
		Source:      "fallback",
		HardnessMgL: 50 + int(seed%301),                // 50..350 mg/L
		PH:          6.5 + float64((seed>>8)%201)/100,  // 6.50..8.50
		ChlorineMgL: 0.1 + float64((seed>>16)%111)/100, // 0.10..1.20 mg/L
		NitratesMgL: 5 + int((seed>>24)%41),            // 5..45 mg/L
		TDSMgL:      100 + int((seed>>32)%501),         // 100..600 mg/L
		RiskScore:   1 + int((seed>>40)%100),           // 1..100
		Disclaimer:  fallbackDisclaimer,
	}

	data, err := json.Marshal(payload)
	if err != nil {
		// Marshal of a fixed struct cannot fail; keep the contract total anyway.
		return json.RawMessage(`{"source":"fallback"}`)
	}
	return data
}
