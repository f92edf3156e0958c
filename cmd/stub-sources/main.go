// Command stub-sources serves hardcoded upstream responses for local
// testing. Point every collector base_url at this server to exercise the
// full pipeline without real credentials.
//
// All responses are canned: "purchase" is present in ads but absent from
// analytics, so a local run against this stub produces one interval
// finding per app.
package main

import (
	"encoding/json"
	"log"
	"net/http"
	"os"
	"time"
)

func main() {
	log.Println("WARNING: stub upstream sources for local testing only, all responses are hardcoded")

	addr := os.Getenv("STUB_ADDR")
	if addr == "" {
		addr = ":8089"
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{"status": "healthy", "service": "stub-sources"})
	})

	// Google Ads: conversion actions the advertiser expects to see fire.
	mux.HandleFunc("GET /gads/customers/{propertyID}/conversionActions", func(w http.ResponseWriter, r *http.Request) {
		pid := r.PathValue("propertyID")
		writeJSON(w, map[string]interface{}{
			"results": []map[string]interface{}{
				{"id": "101", "name": "purchase", "app_id": "com.example.shop", "os": "android", "last_conversion_at": hoursAgo(30)},
				{"id": "102", "name": "sign_up", "app_id": "com.example.shop", "os": "android", "last_conversion_at": hoursAgo(2)},
			},
		})
		log.Printf("gads conversionActions served for property %s", pid)
	})

	// GA4: what analytics actually reported. Note no "purchase" row.
	mux.HandleFunc("POST /ga4/properties/{property}", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{
			"property_name": "Example Shop",
			"rows": []map[string]interface{}{
				{"event_name": "sign_up", "app_version": "1.3.0", "os": "android", "last_seen_at": hoursAgo(1), "count": 412},
				{"event_name": "first_open", "app_version": "1.3.0", "os": "android", "last_seen_at": hoursAgo(1), "count": 1890},
			},
		})
	})

	// App Store lookup: current released iOS version.
	mux.HandleFunc("GET /appstore/lookup", func(w http.ResponseWriter, r *http.Request) {
		bundle := r.URL.Query().Get("bundleId")
		if bundle == "" {
			writeJSON(w, map[string]interface{}{"resultCount": 0, "results": []interface{}{}})
			return
		}
		writeJSON(w, map[string]interface{}{
			"resultCount": 1,
			"results": []map[string]interface{}{
				{"bundleId": bundle, "version": "1.3.0", "currentVersionReleaseDate": hoursAgo(72)},
			},
		})
	})

	// Play Store publishing API: production track releases.
	mux.HandleFunc("GET /playstore/applications/{appID}/tracks/production", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{
			"track": "production",
			"releases": []map[string]interface{}{
				{"name": "1.3.0", "versionCodes": []int64{130}, "status": "completed", "releaseTime": hoursAgo(72)},
				{"name": "1.2.0", "versionCodes": []int64{120}, "status": "halted", "releaseTime": hoursAgo(400)},
			},
		})
	})

	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	log.Printf("stub sources listening on %s", addr)
	log.Println("  gads      base_url: http://localhost" + addr + "/gads")
	log.Println("  ga4       base_url: http://localhost" + addr + "/ga4")
	log.Println("  app_store base_url: http://localhost" + addr + "/appstore")
	log.Println("  play_store base_url: http://localhost" + addr + "/playstore")

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("stub sources failed: %v", err)
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("encode response: %v", err)
	}
}

func hoursAgo(h int) string {
	return time.Now().UTC().Add(-time.Duration(h) * time.Hour).Format(time.RFC3339)
}
