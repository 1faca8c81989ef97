package main

import (
	"fmt"
	"io"
	"math"
	"sort"
	"text/tabwriter"

	"kelub/hashlb/balancer"
)

type summary struct {
	Total        int
	Servers      int
	Expected     float64
	Mean         float64
	Max          int
	MaxDeviation float64
	DeviationPct float64
	StdDev       float64
}

func summarize(counts map[string]int) summary {
	var s summary
	s.Servers = len(counts)
	if s.Servers == 0 {
		return s
	}
	for _, n := range counts {
		s.Total += n
		if n > s.Max {
			s.Max = n
		}
	}
	s.Expected = float64(s.Total) / float64(s.Servers)
	s.Mean = s.Expected
	var variance float64
	for _, n := range counts {
		d := math.Abs(float64(n) - s.Expected)
		if d > s.MaxDeviation {
			s.MaxDeviation = d
		}
		variance += d * d
	}
	s.StdDev = math.Sqrt(variance / float64(s.Servers))
	if s.Expected > 0 {
		s.DeviationPct = s.MaxDeviation / s.Expected * 100
	}
	return s
}

func distributionVerdict(deviationPct float64) string {
	switch {
	case deviationPct < 10:
		return "excellent"
	case deviationPct < 20:
		return "good"
	default:
		return "poor"
	}
}

func scalingVerdict(factor float64) string {
	switch {
	case factor >= 1.8:
		return "excellent"
	case factor >= 1.5:
		return "good"
	default:
		return "poor"
	}
}

// simulate places servers 0..n-1 on a fresh ring and counts the keys each
// one owns, by "Server<id+1>".
func simulate(size, replicas, n int, keys []uint64) (map[string]int, error) {
	r, err := balancer.NewHashRing(size, replicas)
	if err != nil {
		return nil, err
	}
	for id := 0; id < n; id++ {
		if err := r.AddNode(id); err != nil {
			return nil, fmt.Errorf("server %d: %w", id+1, err)
		}
	}
	counts := make(map[string]int, n)
	for id, c := range r.LoadDistribution(keys) {
		counts[serverName(id)] = c
	}
	for id := 0; id < n; id++ {
		if _, ok := counts[serverName(id)]; !ok {
			counts[serverName(id)] = 0
		}
	}
	return counts, nil
}

func serverName(id int) string {
	return fmt.Sprintf("Server%d", id+1)
}

func printDistribution(w io.Writer, counts map[string]int) summary {
	s := summarize(counts)
	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Strings(names)

	tw := tabwriter.NewWriter(w, 2, 2, 2, ' ', 0)
	fmt.Fprintf(tw, "server\trequests\tshare\n")
	for _, name := range names {
		share := 0.0
		if s.Total > 0 {
			share = float64(counts[name]) / float64(s.Total) * 100
		}
		fmt.Fprintf(tw, "%s\t%d\t%.1f%%\n", name, counts[name], share)
	}
	tw.Flush()
	fmt.Fprintf(w, "expected per server: %.1f\n", s.Expected)
	fmt.Fprintf(w, "max deviation: %.1f (%.1f%%) stddev: %.1f verdict: %s\n",
		s.MaxDeviation, s.DeviationPct, s.StdDev, distributionVerdict(s.DeviationPct))
	return s
}

type scaleRow struct {
	Servers int
	Avg     float64
	Max     int
	Seconds float64
}

func printScale(w io.Writer, rows []scaleRow) {
	tw := tabwriter.NewWriter(w, 2, 2, 2, ' ', 0)
	fmt.Fprintf(tw, "servers\tavg load\tmax load\ttime (s)\n")
	byN := make(map[int]scaleRow, len(rows))
	for _, r := range rows {
		byN[r.Servers] = r
		fmt.Fprintf(tw, "%d\t%.1f\t%d\t%.2f\n", r.Servers, r.Avg, r.Max, r.Seconds)
	}
	tw.Flush()

	three, ok3 := byN[3]
	six, ok6 := byN[6]
	if ok3 && ok6 && six.Avg > 0 {
		f := three.Avg / six.Avg
		fmt.Fprintf(w, "scaling factor (3 -> 6 servers): %.2fx, ideal 2.00x, verdict: %s\n", f, scalingVerdict(f))
	}
}
