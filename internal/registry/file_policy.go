package registry

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// FilePolicy reads and writes integer values to sysfs, procfs and cgroupfs
// nodes. Values are scaled by the target unit on the way out and back.
func FilePolicy() Policy {
	return Policy{
		Read:     readNode,
		Apply:    writeNode,
		Teardown: writeNode,
		InPlace:  true,
	}
}

func readNode(_ context.Context, target Target) (int64, error) {
	if target.Path == "" {
		return 0, fmt.Errorf("read %s: target has no path", target.Opcode)
	}
	data, err := os.ReadFile(target.Path)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", target.Path, err)
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return 0, fmt.Errorf("read %s: empty node", target.Path)
	}
	raw, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("read %s: parse %q: %w", target.Path, fields[0], err)
	}
	return raw / unit(target), nil
}

func writeNode(ctx context.Context, target Target, value int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if target.Path == "" {
		return fmt.Errorf("write %s: target has no path", target.Opcode)
	}
	// Nodes are never created: a missing node means the mapping is wrong.
	file, err := os.OpenFile(target.Path, os.O_WRONLY|os.O_TRUNC, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", target.Path, err)
	}
	payload := strconv.FormatInt(value*unit(target), 10)
	if _, err := file.WriteString(payload); err != nil {
		_ = file.Close()
		return fmt.Errorf("write %s: %w", target.Path, err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("close %s: %w", target.Path, err)
	}
	return nil
}

func unit(target Target) int64 {
	if target.Unit <= 0 {
		return 1
	}
	return target.Unit
}
