package gpu

import (
	"bufio"
	"bytes"
	"context"
	"os/exec"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"

	"wanrunner/logger"
	"wanrunner/models"
)

const mib = 1024 * 1024

// SMIArgs queries index, name, total and free memory in MiB.
var SMIArgs = []string{
	"--query-gpu=index,name,memory.total,memory.free",
	"--format=csv,noheader,nounits",
}

// SMISource shells out to nvidia-smi.
type SMISource struct {
	Tool string
}

func (s *SMISource) Name() string { return "nvidia-smi" }

func (s *SMISource) Devices(ctx context.Context) ([]models.DeviceInfo, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, s.Tool, SMIArgs...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			err = &models.ProcessError{Command: s.Tool, ExitCode: exitErr.ExitCode()}
		}
		return nil, models.Wrapf(models.ErrExternalProcess, err, "query gpus: %s", strings.TrimSpace(stderr.String()))
	}
	return ParseSMI(stdout.String()), nil
}

// ParseSMI parses "index, name, total, free" CSV lines. Malformed lines are
// skipped with a warning.
func ParseSMI(out string) []models.DeviceInfo {
	var devs []models.DeviceInfo
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		dev, err := parseSMILine(line)
		if err != nil {
			logger.Warnf("gpu: skipping nvidia-smi line %q: %v", line, err)
			continue
		}
		devs = append(devs, dev)
	}
	return devs
}

func parseSMILine(line string) (models.DeviceInfo, error) {
	fields := strings.Split(line, ",")
	if len(fields) < 4 {
		return models.DeviceInfo{}, errors.Newf("expected 4 fields, got %d", len(fields))
	}
	// names may contain commas; numeric fields are the last two
	n := len(fields)
	id, err := strconv.Atoi(strings.TrimSpace(fields[0]))
	if err != nil {
		return models.DeviceInfo{}, errors.Wrap(err, "index")
	}
	total, err := strconv.ParseUint(strings.TrimSpace(fields[n-2]), 10, 64)
	if err != nil {
		return models.DeviceInfo{}, errors.Wrap(err, "memory.total")
	}
	free, err := strconv.ParseUint(strings.TrimSpace(fields[n-1]), 10, 64)
	if err != nil {
		return models.DeviceInfo{}, errors.Wrap(err, "memory.free")
	}
	name := strings.TrimSpace(strings.Join(fields[1:n-2], ","))
	return models.DeviceInfo{
		ID:               id,
		Name:             name,
		TotalMemoryBytes: total * mib,
		FreeMemoryBytes:  free * mib,
	}, nil
}
