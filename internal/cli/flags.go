package cli

import (
	"strconv"
	"strings"
	"time"
)

// boolFlag remembers whether it was given on the command line, so a profile
// value only applies when it was not.
type boolFlag struct {
	value bool
	set   bool
}

func (b *boolFlag) Set(s string) error {
	val, err := strconv.ParseBool(s)
	if err != nil {
		return err
	}
	b.value = val
	b.set = true
	return nil
}

func (b *boolFlag) String() string {
	return strconv.FormatBool(b.value)
}

func (b *boolFlag) IsBoolFlag() bool {
	return true
}

type multiStringFlag struct {
	values []string
}

func (m *multiStringFlag) Set(s string) error {
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			m.values = append(m.values, part)
		}
	}
	return nil
}

func (m *multiStringFlag) String() string {
	return strings.Join(m.values, ",")
}

func (m *multiStringFlag) Values() []string {
	return append([]string(nil), m.values...)
}

type durationFlag struct {
	value time.Duration
	set   bool
}

func (d *durationFlag) Set(s string) error {
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	if v < 0 {
		return strconv.ErrRange
	}
	d.value = v
	d.set = true
	return nil
}

func (d *durationFlag) String() string {
	return d.value.String()
}
