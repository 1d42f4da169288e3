package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cachemir/memcachedb/pkg/client"
	"github.com/cachemir/memcachedb/pkg/codec"
	"github.com/cachemir/memcachedb/pkg/config"
	"github.com/cachemir/memcachedb/pkg/logging"
)

// newClient builds a Client from the persistent flags bound in main.go:
// one default-named group over --endpoint, raw ([]byte) values so the CLI
// round-trips whatever bytes it was given on the command line.
func newClient() (*client.Client, error) {
	endpoints := viper.GetStringSlice("endpoint")
	spec, err := config.LegacyEndpoints(endpoints)
	if err != nil {
		return nil, err
	}
	spec.Namespace = viper.GetString("namespace")
	spec.NamespaceSeparator = viper.GetString("namespace-separator")
	spec.TimeoutMillis = viper.GetInt("timeout-millis")
	spec.NoReply = viper.GetBool("no-reply")

	logger := logging.NewText()
	groups, err := spec.BuildGroups(logger, nil)
	if err != nil {
		return nil, err
	}

	return client.New(client.Options{
		Logger:             logger,
		Serializer:         codec.Raw{},
		Groups:             groups,
		Namespace:          spec.Namespace,
		NamespaceSeparator: spec.NamespaceSeparator,
		Multithread:        &spec.Multithread,
		Failover:           &spec.Failover,
		NoReply:            spec.NoReply,
		CheckSize:          &spec.CheckSize,
		AutofixKeys:        &spec.AutofixKeys,
	})
}

func withTimeout() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 10*time.Second)
}

var getCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "retrieve a key's value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		defer c.Close()

		ctx, cancel := withTimeout()
		defer cancel()

		var value []byte
		if err := c.Get(ctx, args[0], &value); err != nil {
			return err
		}
		fmt.Println(string(value))
		return nil
	},
}

var setCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "store a value under key via \"set\"",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		defer c.Close()

		expiry, _ := cmd.Flags().GetInt("expiry")

		ctx, cancel := withTimeout()
		defer cancel()

		return c.Set(ctx, args[0], []byte(args[1]), expiry)
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <key>",
	Short: "remove a key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		defer c.Close()

		ctx, cancel := withTimeout()
		defer cancel()
		return c.Delete(ctx, args[0])
	},
}

var incrCmd = &cobra.Command{
	Use:   "incr <key> <delta>",
	Short: "atomically increment a counter",
	Args:  cobra.ExactArgs(2),
	RunE:  runIncrDecr(true),
}

var decrCmd = &cobra.Command{
	Use:   "decr <key> <delta>",
	Short: "atomically decrement a counter",
	Args:  cobra.ExactArgs(2),
	RunE:  runIncrDecr(false),
}

func runIncrDecr(increment bool) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		defer c.Close()

		var delta uint64
		if _, err := fmt.Sscanf(args[1], "%d", &delta); err != nil {
			return fmt.Errorf("invalid delta %q: %w", args[1], err)
		}

		ctx, cancel := withTimeout()
		defer cancel()

		var result *uint64
		if increment {
			result, err = c.Incr(ctx, args[0], delta)
		} else {
			result, err = c.Decr(ctx, args[0], delta)
		}
		if err != nil {
			return err
		}
		if result == nil {
			fmt.Println("NOT_FOUND")
			return nil
		}
		fmt.Println(*result)
		return nil
	}
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "print a per-server STAT roll-up as JSON",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		defer c.Close()

		ctx, cancel := withTimeout()
		defer cancel()

		stats, err := c.Stats(ctx)
		if err != nil {
			return err
		}
		out, err := json.MarshalIndent(stats, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

func init() {
	setCmd.Flags().Int("expiry", 0, "expiry in seconds (0 means never)")
}
