// Package meter holds meter definitions, the CSV definition loader and the
// registry the rest of the gateway reads them from.
package meter

import (
	"fmt"
	"strings"

	"meter-gateway/internal/decode"
)

// Definition describes one logical data point: where to read it on the wire
// and how to turn the raw registers into a scaled number. Definitions are
// immutable once loaded; a reload swaps the whole set.
type Definition struct {
	ID         string // lower-cased, the registry key
	Name       string
	Host       string
	Port       int
	SlaveID    uint8
	Function   uint8 // modbus function code, 3 or 4
	Register   uint16
	WordCount  int
	Encoding   decode.Spec
	Order      decode.WordOrder
	Scale      float64
	Units      string
	AutoUpdate bool
}

// Validate reports the first problem with a definition.
func (d Definition) Validate() error {
	if strings.TrimSpace(d.ID) == "" {
		return fmt.Errorf("meter id must not be empty")
	}
	if d.Host == "" {
		return fmt.Errorf("meter %s: host must not be empty", d.ID)
	}
	if d.Port <= 0 || d.Port > 65535 {
		return fmt.Errorf("meter %s: port %d out of range", d.ID, d.Port)
	}
	if d.Function != 3 && d.Function != 4 {
		return fmt.Errorf("meter %s: function code %d not supported (want 3 or 4)", d.ID, d.Function)
	}
	if d.WordCount <= 0 {
		return fmt.Errorf("meter %s: word count must be positive", d.ID)
	}
	if d.WordCount > 125 {
		return fmt.Errorf("meter %s: word count %d exceeds modbus read limit", d.ID, d.WordCount)
	}
	return nil
}

// Address returns the host:port dial string for the meter's device.
func (d Definition) Address() string {
	return fmt.Sprintf("%s:%d", d.Host, d.Port)
}
