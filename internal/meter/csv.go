package meter

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"meter-gateway/internal/decode"
)

// LoadCSV reads an ordered meter definition list. The first row is a header;
// column order is free but the names are fixed:
//
//	ID,Name,IP,Port,Address,Function,Register,Count,Encoding,WordOrder,Scale,Units,AutoUpdate
//
// WordOrder also answers to its legacy name BigEndian. Any bad row fails the
// whole load so a reload can fall back to the running set.
func LoadCSV(path string) ([]Definition, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open meter list: %w", err)
	}
	defer f.Close()
	defs, err := ParseCSV(f)
	if err != nil {
		return nil, fmt.Errorf("meter list %s: %w", path, err)
	}
	return defs, nil
}

// ParseCSV parses meter definitions from r. See LoadCSV for the format.
func ParseCSV(r io.Reader) ([]Definition, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	records, err := reader.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) < 2 {
		return nil, fmt.Errorf("need a header and at least one meter row")
	}

	col := make(map[string]int, len(records[0]))
	for i, name := range records[0] {
		col[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, required := range []string{"id", "ip", "port", "address", "function", "register", "count", "encoding"} {
		if _, ok := col[required]; !ok {
			return nil, fmt.Errorf("missing column %q", required)
		}
	}

	field := func(row []string, name string) string {
		i, ok := col[name]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	defs := make([]Definition, 0, len(records)-1)
	seen := make(map[string]bool, len(records)-1)
	for n, row := range records[1:] {
		line := n + 2
		d, err := parseRow(row, field)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if seen[d.ID] {
			return nil, fmt.Errorf("line %d: duplicate meter id %q", line, d.ID)
		}
		seen[d.ID] = true
		defs = append(defs, d)
	}
	return defs, nil
}

func parseRow(row []string, field func([]string, string) string) (Definition, error) {
	d := Definition{
		ID:   strings.ToLower(field(row, "id")),
		Name: field(row, "name"),
		Host: field(row, "ip"),
	}

	var err error
	if d.Port, err = atoiField(field(row, "port"), "port"); err != nil {
		return d, err
	}
	slave, err := atoiField(field(row, "address"), "address")
	if err != nil {
		return d, err
	}
	if slave < 0 || slave > 255 {
		return d, fmt.Errorf("slave address %d out of range", slave)
	}
	d.SlaveID = uint8(slave)

	fn, err := atoiField(field(row, "function"), "function")
	if err != nil {
		return d, err
	}
	d.Function = uint8(fn)

	reg, err := atoiField(field(row, "register"), "register")
	if err != nil {
		return d, err
	}
	if reg < 0 || reg > 65535 {
		return d, fmt.Errorf("register %d out of range", reg)
	}
	d.Register = uint16(reg)

	if d.WordCount, err = atoiField(field(row, "count"), "count"); err != nil {
		return d, err
	}

	if d.Encoding, err = decode.ParseSpec(field(row, "encoding")); err != nil {
		return d, err
	}

	order := field(row, "wordorder")
	if order == "" {
		order = field(row, "bigendian")
	}
	if d.Order, err = decode.ParseWordOrder(order); err != nil {
		return d, err
	}

	d.Scale = 1
	if s := field(row, "scale"); s != "" {
		if d.Scale, err = strconv.ParseFloat(s, 64); err != nil {
			return d, fmt.Errorf("invalid scale %q: %w", s, err)
		}
	}

	d.Units = field(row, "units")

	if s := field(row, "autoupdate"); s != "" {
		if d.AutoUpdate, err = parseBool(s); err != nil {
			return d, err
		}
	}

	if err := d.Validate(); err != nil {
		return d, err
	}
	return d, nil
}

func atoiField(s, name string) (int, error) {
	if s == "" {
		return 0, fmt.Errorf("missing %s", name)
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", name, s, err)
	}
	return v, nil
}

func parseBool(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "true", "1", "yes":
		return true, nil
	case "false", "0", "no":
		return false, nil
	}
	return false, fmt.Errorf("invalid boolean %q", s)
}
