// Command eventstorectl is an operator tool for inspecting and maintaining
// an event store's data directory: it is not part of the embedding API
// (spec's public surface excludes CLIs/REPLs) but a side door for
// diagnostics, the same role bbolt's own bolt CLI or etcd's etcdctl play
// for their respective stores.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/nesprt/eventstore/internal/adminhttp"
	"github.com/nesprt/eventstore/internal/glob"
	"github.com/nesprt/eventstore/internal/store"
)

func main() {
	app := &cli.App{
		Name:  "eventstorectl",
		Usage: "inspect and maintain an event store data directory",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "dir", Aliases: []string{"d"}, Required: true, Usage: "data directory"},
			&cli.StringFlag{Name: "name", Value: "storage", Usage: "storage base name"},
		},
		Commands: []*cli.Command{
			inspectCommand,
			listCommand,
			dumpStreamCommand,
			reindexCommand,
			serveCommand,
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.WithError(err).Fatal("eventstorectl failed")
	}
}

func openReadOnly(c *cli.Context) (*store.EventStore, error) {
	return store.Open(store.Options{
		Dir:      c.String("dir"),
		Name:     c.String("name"),
		ReadOnly: true,
	})
}

func openWritable(c *cli.Context, reclaim bool) (*store.EventStore, error) {
	policy := store.LockFail
	if reclaim {
		policy = store.LockReclaim
	}
	return store.Open(store.Options{
		Dir:         c.String("dir"),
		Name:        c.String("name"),
		LockReclaim: policy,
	})
}

var inspectCommand = &cli.Command{
	Name:  "inspect",
	Usage: "print the primary index length and every known stream's length",
	Action: func(c *cli.Context) error {
		s, err := openReadOnly(c)
		if err != nil {
			return err
		}
		defer s.Close()

		streams := map[string]int64{}
		for _, n := range s.Streams() {
			if idx, ok := s.StreamIndex(n); ok {
				streams[n] = idx.Len()
			}
		}
		report := map[string]interface{}{
			"primaryLength": s.Primary().Len(),
			"streams":       streams,
		}
		fmt.Println(toJSON(report))
		return nil
	},
}

var listCommand = &cli.Command{
	Name:      "list",
	Usage:     "list stream names, optionally filtered by a '*' wildcard pattern",
	ArgsUsage: "[pattern]",
	Action: func(c *cli.Context) error {
		s, err := openReadOnly(c)
		if err != nil {
			return err
		}
		defer s.Close()

		names := s.Streams()
		sort.Strings(names)

		if c.NArg() == 1 {
			pattern := glob.Compile(c.Args().First())
			if !pattern.Valid() {
				return cli.Exit(fmt.Sprintf("invalid pattern %q", c.Args().First()), 1)
			}
			filtered := names[:0]
			for _, n := range names {
				if pattern.Match(n) {
					filtered = append(filtered, n)
				}
			}
			names = filtered
		}

		for _, n := range names {
			fmt.Println(n)
		}
		return nil
	},
}

var dumpStreamCommand = &cli.Command{
	Name:      "dump-stream",
	Usage:     "dump every document in a stream as newline-delimited JSON",
	ArgsUsage: "<stream>",
	Action: func(c *cli.Context) error {
		if c.NArg() != 1 {
			return cli.Exit("dump-stream requires exactly one stream name argument", 1)
		}
		s, err := openReadOnly(c)
		if err != nil {
			return err
		}
		defer s.Close()

		es, err := s.GetEventStream(c.Args().First())
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		return es.ForEach(func(r store.Record) error {
			return enc.Encode(map[string]interface{}{
				"number":   r.Entry.Number,
				"payload":  string(r.Payload),
				"metadata": r.Metadata,
			})
		})
	},
}

var reindexCommand = &cli.Command{
	Name:  "reindex",
	Usage: "rebuild the primary index and every secondary index from partition contents",
	Action: func(c *cli.Context) error {
		s, err := openWritable(c, false)
		if err != nil {
			return err
		}
		defer s.Close()
		return s.Reindex()
	},
}

var serveCommand = &cli.Command{
	Name:  "serve",
	Usage: "serve a read-only admin HTTP status endpoint over this data directory",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "addr", Value: ":8080", Usage: "listen address"},
	},
	Action: func(c *cli.Context) error {
		s, err := openReadOnly(c)
		if err != nil {
			return err
		}
		defer s.Close()

		srv := adminhttp.New(s)
		log.WithField("addr", c.String("addr")).Info("serving admin status endpoint")
		return srv.ListenAndServe(c.String("addr"))
	},
}

func toJSON(v interface{}) string {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%+v", v)
	}
	return string(b)
}
