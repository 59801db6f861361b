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

package cmd

import (
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var discoverQuery string

func init() {
	discoverCmd.Flags().StringVar(&discoverQuery, "query", "", "resource-type/interface filter, e.g. rt=light")
	RootCmd.AddCommand(discoverCmd)
}

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "GET .well-known/core, CoRE Link Format discovery",
	Args:  cobra.NoArgs,
	Run: func(_ *cobra.Command, _ []string) {
		cl, stop, err := dial(addr)
		if err != nil {
			log.Fatal(err)
		}
		defer stop()

		ctx, cancel := withTimeout()
		defer cancel()

		resp, err := cl.Discover(ctx, discoverQuery)
		if err != nil {
			log.Fatal(err)
		}
		fmt.Println(string(resp.Payload))
	},
}
