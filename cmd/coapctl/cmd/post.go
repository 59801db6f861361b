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
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var postData string

func init() {
	postCmd.Flags().StringVar(&postData, "data", "", "payload to send")
	RootCmd.AddCommand(postCmd)
}

var postCmd = &cobra.Command{
	Use:   "post <path>",
	Short: "POST a payload to a resource",
	Args:  cobra.ExactArgs(1),
	Run: func(_ *cobra.Command, args []string) {
		cl, stop, err := dial(addr)
		if err != nil {
			log.Fatal(err)
		}
		defer stop()

		ctx, cancel := withTimeout()
		defer cancel()

		resp, err := cl.Post(ctx, args[0], []byte(postData))
		if err != nil {
			log.Fatal(err)
		}
		printResponse(resp)
	},
}
