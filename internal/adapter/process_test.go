package adapter

import (
	"bufio"
	"testing"
)

func TestStartChildProcessEchoesStdin(t *testing.T) {
	proc, err := startChildProcess(processConfig{
		Command: "cat",
	})
	if err != nil {
		t.Fatalf("startChildProcess: %v", err)
	}
	defer proc.Stop()

	go func() {
		proc.stdin.Write([]byte("hello\n"))
		proc.stdin.Close()
	}()

	scanner := bufio.NewScanner(proc.stdout)
	if !scanner.Scan() {
		t.Fatal("expected a line of output")
	}
	if got := scanner.Text(); got != "hello" {
		t.Fatalf("output = %q, want hello", got)
	}
	proc.Wait()
}

func TestStartChildProcessWithSandboxWrapper(t *testing.T) {
	proc, err := startChildProcess(processConfig{
		Command:    "hello",
		SandboxCmd: []string{"echo", "wrapped"},
	})
	if err != nil {
		t.Fatalf("startChildProcess: %v", err)
	}
	defer proc.Stop()

	scanner := bufio.NewScanner(proc.stdout)
	if !scanner.Scan() {
		t.Fatal("expected output")
	}
	if got := scanner.Text(); got != "wrapped hello" {
		t.Fatalf("output = %q, want %q", got, "wrapped hello")
	}
	proc.Wait()
}

func TestChildProcessStopIsIdempotent(t *testing.T) {
	proc, err := startChildProcess(processConfig{Command: "cat"})
	if err != nil {
		t.Fatalf("startChildProcess: %v", err)
	}
	proc.Stop()
	proc.Stop() // must not panic or block
}

func TestStartChildProcessUnknownBinaryErrors(t *testing.T) {
	_, err := startChildProcess(processConfig{Command: "definitely-not-a-real-binary-xyz"})
	if err == nil {
		t.Fatal("expected error for unresolvable binary")
	}
}
