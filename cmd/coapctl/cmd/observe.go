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
	"context"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/coapcore/coap/client"
)

func init() {
	RootCmd.AddCommand(observeCmd)
}

var observeCmd = &cobra.Command{
	Use:   "observe <path>",
	Short: "subscribe to a resource and print every notification until interrupted",
	Args:  cobra.ExactArgs(1),
	Run: func(_ *cobra.Command, args []string) {
		cl, stop, err := dial(addr)
		if err != nil {
			log.Fatal(err)
		}
		defer stop()

		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		if err := cl.Observe(ctx, args[0], func(resp *client.Response) {
			printResponse(resp)
		}); err != nil {
			log.Fatal(err)
		}

		<-ctx.Done()
	},
}
