package forward

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// ExecForwarder drives a host-level forwarding mechanism through
// configured command templates (iptables wrappers, firewall CLIs, cloud
// CLI glue). The engine stays ignorant of the concrete mechanism; the
// commands are the integration point.
//
// Argument placeholders: {port}, {host}, {targetPort}.
// The list command must print one rule per line as
// "<listenPort> <targetHost> <targetPort>"; blank lines and lines
// starting with '#' are ignored.
type ExecForwarder struct {
	applyCmd  []string
	removeCmd []string
	listCmd   []string
}

// NewExecForwarder creates a forwarder from command argv templates. Each
// template must have at least the executable name.
func NewExecForwarder(applyCmd, removeCmd, listCmd []string) (*ExecForwarder, error) {
	for name, cmd := range map[string][]string{"apply": applyCmd, "remove": removeCmd, "list": listCmd} {
		if len(cmd) == 0 {
			return nil, fmt.Errorf("forwarder %s command is empty", name)
		}
	}
	return &ExecForwarder{applyCmd: applyCmd, removeCmd: removeCmd, listCmd: listCmd}, nil
}

// ApplyRule runs the apply command for the rule.
func (f *ExecForwarder) ApplyRule(ctx context.Context, rule Rule) error {
	argv := expand(f.applyCmd, rule.ListenPort, rule.TargetHost, rule.TargetPort)
	return f.run(ctx, argv)
}

// RemoveRule runs the remove command for the port.
func (f *ExecForwarder) RemoveRule(ctx context.Context, listenPort int) error {
	argv := expand(f.removeCmd, listenPort, "", 0)
	return f.run(ctx, argv)
}

// ListRules runs the list command and parses its output.
func (f *ExecForwarder) ListRules(ctx context.Context) ([]Rule, error) {
	cmd := exec.CommandContext(ctx, f.listCmd[0], f.listCmd[1:]...)
	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("list rules: %w (%s)", err, strings.TrimSpace(stderr.String()))
	}
	return parseRules(out.Bytes())
}

func (f *ExecForwarder) run(ctx context.Context, argv []string) error {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s: %w (%s)", argv[0], err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

func expand(tmpl []string, port int, host string, targetPort int) []string {
	out := make([]string, len(tmpl))
	r := strings.NewReplacer(
		"{port}", strconv.Itoa(port),
		"{host}", host,
		"{targetPort}", strconv.Itoa(targetPort),
	)
	for i, a := range tmpl {
		out[i] = r.Replace(a)
	}
	return out
}

func parseRules(data []byte) ([]Rule, error) {
	var rules []Rule
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 3 {
			return nil, fmt.Errorf("malformed rule line %q", line)
		}
		port, err := strconv.Atoi(fields[0])
		if err != nil {
			return nil, fmt.Errorf("malformed listen port in %q: %w", line, err)
		}
		tport, err := strconv.Atoi(fields[2])
		if err != nil {
			return nil, fmt.Errorf("malformed target port in %q: %w", line, err)
		}
		rules = append(rules, Rule{ListenPort: port, TargetHost: fields[1], TargetPort: tport})
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return rules, nil
}
