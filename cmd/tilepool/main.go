// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Tilepool applies a registered transform to a raster on a pool of
// goroutines, block by block. It is the external baseline of
// rasterbench.
//
//	tilepool [-j N] [-block 128] [-dtype uint8] [-transform reverse] INPUT OUTPUT
package main

import (
	"context"
	"os"

	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/file/s3file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/tileslice/pool"
)

func init() {
	file.RegisterImplementation("s3", func() file.Implementation {
		return s3file.NewImplementation(
			s3file.NewDefaultProvider(session.Options{}), s3file.Options{})
	})
}

func main() {
	log.SetFlags(0)
	log.SetPrefix("tilepool: ")
	err := pool.Main(context.Background(), os.Args[1:], os.Stderr)
	switch {
	case err == nil:
	case errors.Is(errors.Invalid, err):
		log.Print(err)
		os.Exit(2)
	default:
		log.Fatal(err)
	}
}
