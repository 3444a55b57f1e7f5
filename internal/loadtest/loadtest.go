// Package loadtest provides load testing utilities for the local record
// store.
//
// A store serves every till and back-office screen in a shop at once, so
// reads must stay fast while the sync daemon writes. This package
// populates a throwaway database with realistic volumes and measures
// read latency under concurrent access.
package loadtest

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/bellaotica/optisync/internal/schema"
	"github.com/bellaotica/optisync/internal/store"
	"github.com/google/uuid"
)

// TestDatabase represents a populated test database for load testing.
type TestDatabase struct {
	Store        *store.Store
	RecordIDs    map[string][]string
	TotalRecords int
}

// LatencyStats captures performance metrics from load tests.
type LatencyStats struct {
	Min          time.Duration
	Max          time.Duration
	Mean         time.Duration
	P50          time.Duration
	P95          time.Duration
	P99          time.Duration
	TotalQueries int
	Errors       int
}

// CreateTestDatabase creates a database at dbPath populated with
// recordsPerTable records in every registered table.
func CreateTestDatabase(dbPath string, recordsPerTable int) (*TestDatabase, error) {
	st, err := store.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// High connection limits for concurrency testing
	st.RawDB().SetMaxOpenConns(150)
	st.RawDB().SetMaxIdleConns(50)
	st.RawDB().SetConnMaxLifetime(10 * time.Minute)

	ctx := context.Background()
	if err := st.InitSchema(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	td := &TestDatabase{
		Store:     st,
		RecordIDs: make(map[string][]string),
	}

	for _, tbl := range schema.Tables() {
		for i := 0; i < recordsPerTable; i++ {
			rec := generateRecord(tbl, i)
			if err := st.Put(ctx, rec); err != nil {
				_ = st.Close()
				return nil, fmt.Errorf("failed to insert %s record: %w", tbl.Name, err)
			}
			td.RecordIDs[tbl.Name] = append(td.RecordIDs[tbl.Name], rec.ID)
			td.TotalRecords++
		}
	}

	return td, nil
}

// Close closes the test database connection.
func (td *TestDatabase) Close() error {
	if td.Store != nil {
		return td.Store.Close()
	}
	return nil
}

// RunConcurrentReads simulates numClients concurrent readers, each
// performing queriesPerClient full-table reads against random tables.
// Returns aggregated latency statistics.
func (td *TestDatabase) RunConcurrentReads(numClients, queriesPerClient int) (*LatencyStats, error) {
	var wg sync.WaitGroup
	resultsChan := make(chan []time.Duration, numClients)
	errorsChan := make(chan error, numClients)

	names := schema.TableNames()

	for i := 0; i < numClients; i++ {
		wg.Add(1)
		go func(clientID int) {
			defer wg.Done()

			durations := make([]time.Duration, 0, queriesPerClient)
			ctx := context.Background()

			for j := 0; j < queriesPerClient; j++ {
				table := names[rand.Intn(len(names))]
				start := time.Now()
				_, err := td.Store.List(ctx, table, store.ListOptions{})
				durations = append(durations, time.Since(start))

				if err != nil {
					errorsChan <- fmt.Errorf("client %d query %d failed: %w", clientID, j, err)
					return
				}
			}

			resultsChan <- durations
		}(i)
	}

	wg.Wait()
	close(resultsChan)
	close(errorsChan)

	errorCount := 0
	for err := range errorsChan {
		if err != nil {
			errorCount++
			fmt.Printf("Error: %v\n", err)
		}
	}

	var allDurations []time.Duration
	for durations := range resultsChan {
		allDurations = append(allDurations, durations...)
	}

	if len(allDurations) == 0 {
		return nil, fmt.Errorf("no successful queries completed")
	}

	stats := computeLatencyStats(allDurations)
	stats.Errors = errorCount
	return stats, nil
}

func generateRecord(tbl schema.Table, n int) *schema.Record {
	fields := map[string]any{
		"name":     fmt.Sprintf("%s %d", tbl.Name, n),
		"store_id": fmt.Sprintf("store-%d", n%5),
	}
	for _, f := range tbl.DeltaFields {
		fields[f] = float64(rand.Intn(100))
	}

	return &schema.Record{
		ID:     uuid.NewString(),
		Table:  tbl.Name,
		Fields: fields,
	}
}

func computeLatencyStats(durations []time.Duration) *LatencyStats {
	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var total time.Duration
	for _, d := range sorted {
		total += d
	}

	percentile := func(p float64) time.Duration {
		idx := int(float64(len(sorted)-1) * p)
		return sorted[idx]
	}

	return &LatencyStats{
		Min:          sorted[0],
		Max:          sorted[len(sorted)-1],
		Mean:         total / time.Duration(len(sorted)),
		P50:          percentile(0.50),
		P95:          percentile(0.95),
		P99:          percentile(0.99),
		TotalQueries: len(sorted),
	}
}

// PrintStats prints latency statistics in human-readable form.
func (s *LatencyStats) PrintStats() {
	fmt.Printf("Queries:  %d (%d errors)\n", s.TotalQueries, s.Errors)
	fmt.Printf("Min:      %v\n", s.Min)
	fmt.Printf("Mean:     %v\n", s.Mean)
	fmt.Printf("P50:      %v\n", s.P50)
	fmt.Printf("P95:      %v\n", s.P95)
	fmt.Printf("P99:      %v\n", s.P99)
	fmt.Printf("Max:      %v\n", s.Max)
}
