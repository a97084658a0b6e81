package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// Load generator for the checkout flow: every simulated shopper adds one
// unit of the same product to their cart and checks out. With stock below
// the shopper count, exactly stock checkouts must succeed.

var (
	baseURL      = flag.String("base-url", "http://localhost:8080", "checkout service base URL")
	productID    = flag.Int64("product-id", 9001, "product to contend on")
	initialStock = flag.Int("stock", 20, "stock to seed before the run")
	shoppers     = flag.Int("shoppers", 50, "concurrent shoppers")
)

func main() {
	flag.Parse()

	client := &http.Client{Timeout: 10 * time.Second}

	if err := post(client, "/api/stock", map[string]any{
		"product_id": *productID,
		"quantity":   *initialStock,
	}); err != nil {
		log.Fatalf("failed to seed stock: %v", err)
	}

	var successCount atomic.Int32
	var conflictCount atomic.Int32
	var errorCount atomic.Int32

	var wg sync.WaitGroup
	start := time.Now()

	for i := 0; i < *shoppers; i++ {
		wg.Add(1)
		go func(userID int64) {
			defer wg.Done()

			if err := post(client, "/api/cart/items", map[string]any{
				"user_id":    userID,
				"product_id": *productID,
				"unit_price": 1999,
				"quantity":   1,
			}); err != nil {
				errorCount.Add(1)
				return
			}

			err := post(client, "/api/checkout", map[string]any{"user_id": userID})
			switch {
			case err == nil:
				successCount.Add(1)
			case err == errConflict:
				conflictCount.Add(1)
			default:
				errorCount.Add(1)
			}
		}(int64(i + 1))
	}

	wg.Wait()
	elapsed := time.Since(start)

	success := successCount.Load()
	conflict := conflictCount.Load()

	fmt.Println("========== CHECKOUT LOAD RESULTS ==========")
	fmt.Printf("Initial Stock:    %d\n", *initialStock)
	fmt.Printf("Shoppers:         %d\n", *shoppers)
	fmt.Printf("Orders Created:   %d\n", success)
	fmt.Printf("Out of Stock:     %d\n", conflict)
	fmt.Printf("Errors:           %d\n", errorCount.Load())
	fmt.Printf("Duration:         %v\n", elapsed)
	fmt.Println("===========================================")

	if int(success) == *initialStock && int(conflict) == *shoppers-*initialStock {
		fmt.Println("PASS: checkouts matched available stock exactly")
	} else {
		fmt.Printf("FAIL: expected %d success/%d conflict, got %d/%d\n",
			*initialStock, *shoppers-*initialStock, success, conflict)
	}
}

var errConflict = fmt.Errorf("conflict")

func post(client *http.Client, path string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	resp, err := client.Post(*baseURL+path, "application/json", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusConflict:
		return errConflict
	default:
		return fmt.Errorf("%s: unexpected status %d", path, resp.StatusCode)
	}
}
