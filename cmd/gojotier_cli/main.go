package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/dustin/go-humanize"
	recordsservice "github.com/sushant-115/gojotier/api/records_service"
	"github.com/sushant-115/gojotier/config/certs"
	migrationledger "github.com/sushant-115/gojotier/core/storage_engine/migration_ledger"
	"github.com/sushant-115/gojotier/core/storage_engine/tiered_storage"
)

const clientTimeout = 30 * time.Second

var (
	addr     = flag.String("addr", "localhost:8080", "gojotier server address")
	caFile   = flag.String("ca", "", "CA certificate; enables HTTPS")
	certFile = flag.String("cert", "", "Client certificate for mutual TLS")
	keyFile  = flag.String("key", "", "Client key for mutual TLS")
)

type client struct {
	base string
	http *http.Client
}

// apiResponse mirrors recordsservice.APIResponse with a raw data field.
type apiResponse struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func newClient() (*client, error) {
	c := &client{base: "http://" + *addr, http: &http.Client{Timeout: clientTimeout}}
	if *caFile != "" {
		tlsConfig, err := certs.LoadClientTLSConfig(*caFile, *certFile, *keyFile)
		if err != nil {
			return nil, err
		}
		c.base = "https://" + *addr
		c.http.Transport = &http.Transport{TLSClientConfig: tlsConfig}
	}
	return c, nil
}

func (c *client) do(method, path string, body []byte) (*http.Response, []byte, error) {
	req, err := http.NewRequest(method, c.base+path, bytes.NewReader(body))
	if err != nil {
		return nil, nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, err
	}
	return resp, data, nil
}

// call performs a JSON API request and returns the data field on 2xx.
func (c *client) call(method, path string) (json.RawMessage, error) {
	resp, data, err := c.do(method, path, nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	var r apiResponse
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("%s: unexpected response: %s", resp.Status, strings.TrimSpace(string(data)))
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s: %s", r.Status, r.Message)
	}
	return r.Data, nil
}

func escapeKey(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

func (c *client) get(key string) error {
	resp, data, err := c.do(http.MethodGet, "/v1/records/"+escapeKey(key), nil)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		var r apiResponse
		json.Unmarshal(data, &r)
		return fmt.Errorf("%s: %s", r.Status, r.Message)
	}
	created, _ := time.Parse(time.RFC3339Nano, resp.Header.Get(recordsservice.HeaderCreatedAt))
	fmt.Printf("%s\n", data)
	fmt.Printf("-- tier=%s size=%s created=%s (%s)\n",
		resp.Header.Get(recordsservice.HeaderTier),
		humanize.Bytes(uint64(len(data))),
		created.Format(time.RFC3339),
		humanize.Time(created),
	)
	return nil
}

func (c *client) put(key, value string) error {
	resp, data, err := c.do(http.MethodPut, "/v1/records/"+escapeKey(key), []byte(value))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusNoContent {
		var r apiResponse
		json.Unmarshal(data, &r)
		return fmt.Errorf("%s: %s", r.Status, r.Message)
	}
	fmt.Printf("OK (%s)\n", humanize.Bytes(uint64(len(value))))
	return nil
}

func (c *client) del(key string) error {
	if _, err := c.call(http.MethodDelete, "/v1/records/"+escapeKey(key)); err != nil {
		return err
	}
	fmt.Println("OK")
	return nil
}

func (c *client) task(key string) error {
	data, err := c.call(http.MethodGet, "/v1/migrations/"+escapeKey(key))
	if err != nil {
		return err
	}
	var t migrationledger.Task
	if err := json.Unmarshal(data, &t); err != nil {
		return err
	}
	fmt.Printf("key:       %s\n", t.Key)
	fmt.Printf("state:     %s\n", t.State)
	fmt.Printf("attempts:  %d\n", t.Attempts)
	fmt.Printf("created:   %s\n", humanize.Time(t.CreatedAt))
	fmt.Printf("updated:   %s\n", humanize.Time(t.UpdatedAt))
	if t.SizeBytes > 0 {
		fmt.Printf("size:      %s\n", humanize.Bytes(uint64(t.SizeBytes)))
	}
	if !t.NextAttemptAt.IsZero() && t.State.Active() {
		fmt.Printf("next try:  %s\n", humanize.Time(t.NextAttemptAt))
	}
	if t.Owner != "" {
		fmt.Printf("owner:     %s (lease %s)\n", t.Owner, humanize.Time(t.LeaseUntil))
	}
	if t.LastError != "" {
		fmt.Printf("error:     %s\n", t.LastError)
	}
	return nil
}

func (c *client) reset(key string) error {
	if _, err := c.call(http.MethodPost, "/v1/migrations/"+escapeKey(key)+"/reset"); err != nil {
		return err
	}
	fmt.Println("OK, task is pending again")
	return nil
}

func (c *client) run() error {
	data, err := c.call(http.MethodPost, "/v1/tiering/run")
	if err != nil {
		return err
	}
	var res tiered_storage.CycleResult
	if err := json.Unmarshal(data, &res); err != nil {
		return err
	}
	fmt.Printf("scanned %s, new tasks %s, processed %s: migrated %d, failed %d, quarantined %d, cancelled %d\n",
		humanize.Comma(int64(res.Scanned)),
		humanize.Comma(int64(res.TasksCreated)),
		humanize.Comma(int64(res.Processed)),
		res.Migrated, res.Failed, res.Quarantined, res.Cancelled,
	)
	return nil
}

func (c *client) stats() error {
	data, err := c.call(http.MethodGet, "/v1/tiering/stats")
	if err != nil {
		return err
	}
	counts := map[string]int{}
	if err := json.Unmarshal(data, &counts); err != nil {
		return err
	}
	states := make([]string, 0, len(counts))
	for s := range counts {
		states = append(states, s)
	}
	sort.Strings(states)
	for _, s := range states {
		fmt.Printf("%-12s %s\n", s, humanize.Comma(int64(counts[s])))
	}
	if len(states) == 0 {
		fmt.Println("no migration tasks")
	}
	return nil
}

func printHelp() {
	fmt.Println("Commands:")
	fmt.Println("  get <key>            read a record from whichever tier holds it")
	fmt.Println("  put <key> <value>    write a record to the hot tier")
	fmt.Println("  del <key>            delete a record from both tiers")
	fmt.Println("  task <key>           show the migration task for a key")
	fmt.Println("  reset <key>          re-queue a quarantined migration")
	fmt.Println("  run                  run one tiering cycle now")
	fmt.Println("  stats                count migration tasks by state")
	fmt.Println("  help | exit")
}

var errExit = errors.New("exit")

func (c *client) dispatch(line string) error {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return nil
	}
	cmd, args := strings.ToLower(parts[0]), parts[1:]
	need := func(n int, usage string) error {
		if len(args) < n {
			return fmt.Errorf("usage: %s", usage)
		}
		return nil
	}
	switch cmd {
	case "get":
		if err := need(1, "get <key>"); err != nil {
			return err
		}
		return c.get(args[0])
	case "put":
		if err := need(2, "put <key> <value>"); err != nil {
			return err
		}
		return c.put(args[0], strings.Join(args[1:], " "))
	case "del", "delete":
		if err := need(1, "del <key>"); err != nil {
			return err
		}
		return c.del(args[0])
	case "task":
		if err := need(1, "task <key>"); err != nil {
			return err
		}
		return c.task(args[0])
	case "reset":
		if err := need(1, "reset <key>"); err != nil {
			return err
		}
		return c.reset(args[0])
	case "run":
		return c.run()
	case "stats":
		return c.stats()
	case "help":
		printHelp()
		return nil
	case "exit", "quit":
		return errExit
	}
	return fmt.Errorf("unknown command %q, try help", cmd)
}

var completer = readline.NewPrefixCompleter(
	readline.PcItem("get"),
	readline.PcItem("put"),
	readline.PcItem("del"),
	readline.PcItem("task"),
	readline.PcItem("reset"),
	readline.PcItem("run"),
	readline.PcItem("stats"),
	readline.PcItem("help"),
	readline.PcItem("exit"),
)

func main() {
	flag.Parse()
	c, err := newClient()
	if err != nil {
		fmt.Fprintf(os.Stderr, "tls: %v\n", err)
		os.Exit(1)
	}

	// One-shot mode: gojotier_cli get some/key
	if flag.NArg() > 0 {
		if err := c.dispatch(strings.Join(flag.Args(), " ")); err != nil && !errors.Is(err, errExit) {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "gojotier> ",
		HistoryFile:     historyFile(),
		AutoComplete:    completer,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "readline: %v\n", err)
		os.Exit(1)
	}
	defer rl.Close()

	fmt.Printf("Connected to %s. Type 'help' for commands.\n", c.base)
	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if line == "" {
				return
			}
			continue
		}
		if err != nil {
			return
		}
		if err := c.dispatch(line); err != nil {
			if errors.Is(err, errExit) {
				return
			}
			fmt.Printf("error: %v\n", err)
		}
	}
}

func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return home + "/.gojotier_history"
}
