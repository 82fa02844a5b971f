package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// lineParser reads key = value config files for ff, rejecting malformed
// lines with their line number so a bad config fails loudly at startup.
func lineParser(r io.Reader, set func(name, value string) error) error {
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.IndexByte(line, '=')
		if eq < 0 {
			return fmt.Errorf("line %d: expected key = value, got %q", lineNo, line)
		}
		key := strings.TrimSpace(line[:eq])
		value := strings.TrimSpace(line[eq+1:])
		if key == "" {
			return fmt.Errorf("line %d: empty key", lineNo)
		}
		if err := set(key, value); err != nil {
			return fmt.Errorf("line %d: %v", lineNo, err)
		}
	}
	return scanner.Err()
}

// discoverConfigPath locates the config file: an explicit MS_CONFIG
// environment override wins, then the conventional locations. An empty
// return means "run on built-in defaults".
func discoverConfigPath() string {
	v := viper.New()
	v.SetEnvPrefix("MS")
	v.AutomaticEnv()
	if path := v.GetString("config"); path != "" {
		return path
	}
	for _, candidate := range []string{
		"microsentinel.conf",
		filepath.Join("/etc/microsentinel", "microsentinel.conf"),
	} {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate
		}
	}
	return ""
}
