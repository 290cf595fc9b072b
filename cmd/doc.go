// Package cmd implements the distlock command-line interface. It acquires a
// named lock on one of the supported backends and either runs a command while
// holding it or holds it until interrupted.
//
// The package is organized into:
//
//   - run: run a command under a lock (distlock run job:42 -- ./nightly.sh)
//   - acquire: hold a lock until interrupted or for a fixed duration
//   - util: configuration and backend construction (internal use)
//
// Every flag can also be set through a DISTLOCK_ prefixed environment
// variable or a .env file in the working directory.
package cmd
