package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

// SSHCommandTool runs a shell command on a remote host over SSH. The
// connection credentials are bound at registration; the model only
// supplies the command.
type SSHCommandTool struct {
	host     string
	port     int
	user     string
	password string
	timeout  time.Duration

	// dial is swappable for tests.
	dial func(network, addr string, config *ssh.ClientConfig) (*ssh.Client, error)
}

type sshCommandArgs struct {
	Command string `json:"command" jsonschema:"description=The shell command to run on the remote host."`
}

func NewSSHCommandTool(host string, port int, user, password string) *SSHCommandTool {
	if port <= 0 {
		port = 22
	}
	return &SSHCommandTool{
		host:     host,
		port:     port,
		user:     user,
		password: password,
		timeout:  30 * time.Second,
		dial:     ssh.Dial,
	}
}

func (t *SSHCommandTool) GetInfo() ToolInfo {
	return ToolInfo{
		Name:        "ssh_command_tool",
		Description: fmt.Sprintf("Runs a shell command on the remote host %s and returns its combined output.", t.host),
		Schema:      argsSchema(&sshCommandArgs{}),
	}
}

func (t *SSHCommandTool) GetName() string        { return t.GetInfo().Name }
func (t *SSHCommandTool) GetDescription() string { return t.GetInfo().Description }

func (t *SSHCommandTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	command, _ := args["command"].(string)
	if strings.TrimSpace(command) == "" {
		return "", fmt.Errorf("command cannot be empty")
	}

	config := &ssh.ClientConfig{
		User:            t.user,
		Auth:            []ssh.AuthMethod{ssh.Password(t.password)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         t.timeout,
	}

	client, err := t.dial("tcp", fmt.Sprintf("%s:%d", t.host, t.port), config)
	if err != nil {
		return "", fmt.Errorf("ssh connection to %s failed: %w", t.host, err)
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return "", fmt.Errorf("failed to open ssh session: %w", err)
	}
	defer session.Close()

	type result struct {
		output []byte
		err    error
	}
	done := make(chan result, 1)
	go func() {
		output, err := session.CombinedOutput(command)
		done <- result{output, err}
	}()

	select {
	case <-ctx.Done():
		// Closing the client unblocks CombinedOutput.
		client.Close()
		return "", ctx.Err()
	case res := <-done:
		output := strings.TrimSpace(string(res.output))
		if res.err != nil {
			if output != "" {
				return "", fmt.Errorf("command failed: %w\n%s", res.err, output)
			}
			return "", fmt.Errorf("command failed: %w", res.err)
		}
		if output == "" {
			return "Command completed with no output.", nil
		}
		return output, nil
	}
}
