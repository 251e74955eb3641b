package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
)

var (
	launchRanks    int
	launchHost     string
	launchBasePort int
)

var launchCmd = &cobra.Command{
	Use:   "launch [flags] -- [run flags]",
	Short: "Start every rank of a benchmark on this machine",
	Long: "Start one \"netsan run\" process per rank on local ports, passing\n" +
		"the arguments after -- to every process.",
	RunE: runLaunch,
}

func init() {
	launchCmd.Flags().IntVarP(&launchRanks, "ranks", "n", 4, "Number of processes to start")
	launchCmd.Flags().StringVar(&launchHost, "host", "127.0.0.1", "Address the processes listen on")
	launchCmd.Flags().IntVar(&launchBasePort, "base-port", 5000, "Port of rank 0; rank i listens on base-port+i")
}

func runLaunch(cmd *cobra.Command, args []string) error {
	if launchRanks < 1 {
		return fmt.Errorf("number of ranks must be positive")
	}
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate executable: %w", err)
	}

	addrs := make([]string, launchRanks)
	for i := range addrs {
		addrs[i] = launchHost + ":" + strconv.Itoa(launchBasePort+i)
	}
	token := uuid.NewString()

	// The first failing rank takes the others down, so that
	// none of them waits forever for it.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	var lock sync.Mutex
	var errs error
	for i := 0; i < launchRanks; i++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			a := []string{
				"run",
				"--addrs", strings.Join(addrs, ","),
				"--rank", strconv.Itoa(rank),
				"--token", token,
				"--log-level", logLevel,
			}
			a = append(a, args...)
			c := exec.CommandContext(ctx, exe, a...)
			c.Stdin = os.Stdin
			c.Stdout = os.Stdout
			c.Stderr = os.Stderr
			if err := c.Run(); err != nil {
				lock.Lock()
				if ctx.Err() == nil {
					errs = multierr.Append(errs, fmt.Errorf("rank %d: %w", rank, err))
				}
				lock.Unlock()
				cancel()
			}
		}(i)
	}
	wg.Wait()
	return errs
}
