/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package stats

import (
	"encoding/json"
	"net/http"

	log "github.com/sirupsen/logrus"
)

// JSONHandler renders the combined output of every source as one flat JSON
// object, the cheap alternative to the Prometheus scrape path for operators
// who just want `curl localhost:PORT/stats`.
func JSONHandler(sources ...Source) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		merged := make(map[string]uint64)
		for _, src := range sources {
			vals, err := src()
			if err != nil {
				log.Errorf("stats: json handler source error: %v", err)
				continue
			}
			for k, v := range vals {
				merged[k] = v
			}
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(merged); err != nil {
			log.Errorf("stats: encoding json response: %v", err)
		}
	})
}
