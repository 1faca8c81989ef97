package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"kelub/hashlb/balancer"
)

func main() {
	var (
		live     string // Load balancer URL; offline simulation when empty.
		requests int
		servers  int
		from     int
		to       int
		size     int
		replicas int
		seed     int64
		p        int
		verbose  bool
	)
	flag.StringVar(&live,
		"live", "",
		"load balancer base url, e.g. http://localhost:5000; simulate when empty",
	)
	flag.IntVar(&requests,
		"requests", 10000,
		"number of requests per measurement",
	)
	flag.IntVar(&servers,
		"servers", 3,
		"number of servers for the distribution test",
	)
	flag.IntVar(&from,
		"from", 2,
		"smallest pool of the scalability test",
	)
	flag.IntVar(&to,
		"to", 6,
		"largest pool of the scalability test",
	)
	flag.IntVar(&size,
		"ring-size", balancer.DefaultRingSize,
		"slots on the ring (simulation)",
	)
	flag.IntVar(&replicas,
		"replicas", balancer.DefaultReplicas,
		"virtual servers per node (simulation)",
	)
	flag.Int64Var(&seed,
		"seed", time.Now().UnixNano(),
		"request id seed (simulation)",
	)
	flag.IntVar(&p,
		"parallelism", runtime.NumCPU()*4,
		"concurrent requests (live)",
	)
	flag.BoolVar(&verbose,
		"v", false,
		"be verbose",
	)
	flag.Parse()
	if verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}

	var err error
	if live == "" {
		err = offline(requests, servers, from, to, size, replicas, seed)
	} else {
		err = online(strings.TrimRight(live, "/"), requests, servers, from, to, p)
	}
	if err != nil {
		logrus.Fatal(err)
	}
}

func offline(requests, servers, from, to, size, replicas int, seed int64) error {
	keys := make([]uint64, requests)
	gen := balancer.NewRandomKeyStrategyWithSource(balancer.DefaultKeyMin, balancer.DefaultKeyMax, rand.NewSource(seed))
	for i := range keys {
		keys[i] = gen.Next()
	}

	fmt.Printf("load distribution: %d requests on %d servers\n", requests, servers)
	counts, err := simulate(size, replicas, servers, keys)
	if err != nil {
		return err
	}
	printDistribution(os.Stdout, counts)

	fmt.Printf("\nscalability: %d to %d servers\n", from, to)
	var rows []scaleRow
	for n := from; n <= to; n++ {
		start := time.Now()
		counts, err := simulate(size, replicas, n, keys)
		if err != nil {
			return err
		}
		s := summarize(counts)
		rows = append(rows, scaleRow{Servers: n, Avg: s.Mean, Max: s.Max, Seconds: time.Since(start).Seconds()})
	}
	printScale(os.Stdout, rows)
	return nil
}

type client struct {
	base string
	http *http.Client
}

type envelope struct {
	Message json.RawMessage `json:"message"`
	Status  string          `json:"status"`
}

func (c *client) do(ctx context.Context, method, path string, body interface{}) (envelope, error) {
	var env envelope
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return env, err
		}
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return env, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return env, err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return env, fmt.Errorf("%s %s: %d: %w", method, path, resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		return env, fmt.Errorf("%s %s: %d: %s", method, path, resp.StatusCode, env.Message)
	}
	return env, nil
}

func (c *client) poolSize(ctx context.Context) (int, error) {
	env, err := c.do(ctx, http.MethodGet, "/rep", nil)
	if err != nil {
		return 0, err
	}
	var m struct {
		N int `json:"N"`
	}
	err = json.Unmarshal(env.Message, &m)
	return m.N, err
}

// resize adds or removes servers until the pool has n of them.
func (c *client) resize(ctx context.Context, n int) error {
	cur, err := c.poolSize(ctx)
	if err != nil {
		return err
	}
	body := map[string]interface{}{"hostnames": []string{}}
	switch {
	case cur < n:
		body["n"] = n - cur
		_, err = c.do(ctx, http.MethodPost, "/add", body)
	case cur > n:
		body["n"] = cur - n
		_, err = c.do(ctx, http.MethodDelete, "/rm", body)
	}
	return err
}

// nodeOf extracts X from "Response from Node: X".
func nodeOf(env envelope) (string, error) {
	var msg string
	if err := json.Unmarshal(env.Message, &msg); err != nil {
		return "", err
	}
	i := strings.LastIndex(msg, ": ")
	if i < 0 {
		return "", errors.New("unexpected reply: " + msg)
	}
	return msg[i+2:], nil
}

// fire sends requests GET /home with p workers and counts replies per node.
func (c *client) fire(ctx context.Context, requests, p int) (map[string]int, time.Duration) {
	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		counts = make(map[string]int)
		work   = make(chan struct{})
	)
	start := time.Now()
	for i := 0; i < p; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range work {
				env, err := c.do(ctx, http.MethodGet, "/home", nil)
				if err != nil {
					logrus.Debugf("request failed: %v", err)
					continue
				}
				node, err := nodeOf(env)
				if err != nil {
					logrus.Debug(err)
					continue
				}
				mu.Lock()
				counts[node]++
				mu.Unlock()
			}
		}()
	}
	for i := 0; i < requests; i++ {
		work <- struct{}{}
	}
	close(work)
	wg.Wait()
	return counts, time.Since(start)
}

func online(base string, requests, servers, from, to, p int) error {
	ctx := context.Background()
	c := &client{base: base, http: &http.Client{Timeout: 10 * time.Second}}

	if err := c.resize(ctx, servers); err != nil {
		return err
	}
	fmt.Printf("load distribution: %d requests on %d servers\n", requests, servers)
	counts, elapsed := c.fire(ctx, requests, p)
	s := printDistribution(os.Stdout, counts)
	if elapsed > 0 {
		fmt.Printf("total time: %.2fs, %.1f requests/s\n", elapsed.Seconds(), float64(s.Total)/elapsed.Seconds())
	}

	fmt.Printf("\nscalability: %d to %d servers\n", from, to)
	var rows []scaleRow
	for n := from; n <= to; n++ {
		if err := c.resize(ctx, n); err != nil {
			return err
		}
		counts, elapsed := c.fire(ctx, requests, p)
		s := summarize(counts)
		rows = append(rows, scaleRow{Servers: n, Avg: s.Mean, Max: s.Max, Seconds: elapsed.Seconds()})
	}
	printScale(os.Stdout, rows)
	return nil
}
