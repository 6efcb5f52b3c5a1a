// Package moreflag provides flag.Value implementations for comma-separated
// lists and key=value maps, plus prefixed environment variable fallback
// (e.g. RECC_SERVER for the "server" flag), matching the RECC_*
// configuration convention of spec §6.
package moreflag

import (
	"bytes"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
)

// ParseFromEnv sets every flag whose <prefix><NAME> environment variable
// (flag name upper-cased) is present to that variable's value. It does not
// look at the command line; called before flag.Parse, it lets spec §6's
// RECC_* variables act as defaults that explicit flags then override.
func ParseFromEnv(prefix string) {
	flag.VisitAll(func(f *flag.Flag) {
		v, ok := os.LookupEnv(prefix + strings.ToUpper(f.Name))
		if ok {
			flag.Set(f.Name, v)
		}
	})
}

// StringMapValue interprets "key1=value1,key2=value2" as a map.
type StringMapValue map[string]string

func (m *StringMapValue) String() string {
	keys := make([]string, 0, len(*m))
	for key := range *m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	var b bytes.Buffer
	for i, key := range keys {
		if i > 0 {
			b.WriteRune(',')
		}
		b.WriteString(key)
		b.WriteRune('=')
		b.WriteString((*m)[key])
	}
	return b.String()
}

func (m *StringMapValue) Set(s string) error {
	*m = make(map[string]string)
	pairs, err := parsePairs(s)
	if err != nil {
		return err
	}
	for i := 0; i < len(pairs); i += 2 {
		(*m)[pairs[i]] = pairs[i+1]
	}
	return nil
}

func (m *StringMapValue) Get() interface{} { return map[string]string(*m) }

// StringListValue interprets a string as a list of comma-separated values.
type StringListValue []string

func (m *StringListValue) String() string { return strings.Join(*m, ",") }

func (m *StringListValue) Set(s string) error {
	*m = StringListValue(strings.FieldsFunc(s, func(c rune) bool { return c == ',' }))
	return nil
}

func (m *StringListValue) Get() interface{} { return []string(*m) }

func parsePairs(s string) ([]string, error) {
	var pairs []string
	for _, p := range strings.Split(s, ",") {
		if p == "" {
			continue
		}
		k, v, ok := strings.Cut(p, "=")
		if !ok {
			return nil, fmt.Errorf("wrong format for key=value pair: %v", p)
		}
		if k == "" {
			return nil, fmt.Errorf("key not provided")
		}
		pairs = append(pairs, k, v)
	}
	return pairs, nil
}
