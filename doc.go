// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

/*
	Package tileslice implements lazily evaluated, chunked raster
	arrays. Users open a source raster as an Array, compose element-wise
	operations over it (Map, Convert), and then materialize the result
	into an output raster with an exec.Session. Nothing is read or
	computed until materialization; the session's executor then
	computes every chunk, either in-process or on a cluster of
	bigmachine workers.

	Because Go cannot serialize code, arrays are described to cluster
	workers by a Spec, and the transforms applied by Map are named
	entries in the registry of package transform. A cluster therefore
	must run the same binary as the driver, which is what bigmachine
	does by default.

	A typical use:

		a, err := tileslice.Open(ctx, "in.tif", tileslice.ChunkShape{128, 128})
		if err != nil {
			log.Fatal(err)
		}
		a = tileslice.Map(a, "reverse")
		sess := exec.Start(exec.Local, exec.Parallelism(8))
		defer sess.Shutdown()
		if _, err := sess.Materialize(ctx, a, "out.tif"); err != nil {
			log.Fatal(err)
		}

	Attributes of the source raster (Meta.Attrs) are not carried over
	to arrays derived from it.
*/
package tileslice
