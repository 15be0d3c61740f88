package localbuild

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// parseEnvFile parses dotenv-format content into KEY=VALUE entries in
// file order. Supports KEY=VALUE, KEY="VALUE", KEY='VALUE', # comments
// and blank lines.
func parseEnvFile(content string) []string {
	var entries []string
	scanner := bufio.NewScanner(strings.NewReader(content))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		idx := strings.IndexByte(line, '=')
		if idx < 0 {
			continue
		}

		key := strings.TrimSpace(line[:idx])
		value := strings.TrimSpace(line[idx+1:])

		// Strip surrounding quotes
		if len(value) >= 2 {
			if (value[0] == '"' && value[len(value)-1] == '"') ||
				(value[0] == '\'' && value[len(value)-1] == '\'') {
				value = value[1 : len(value)-1]
			}
		}

		if key != "" {
			entries = append(entries, key+"="+value)
		}
	}
	return entries
}

// LoadEnvFile reads a dotenv file and returns its KEY=VALUE entries.
func LoadEnvFile(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read env file: %w", err)
	}
	return parseEnvFile(string(data)), nil
}
