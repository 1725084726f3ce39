// Package cli implements the mockbroker command-line interface.
//
// The run command starts a broker session against a bootstrap backend and
// serves the operator gateway. The remaining commands are one-shot helpers:
// services queries discovery, respond delivers a single response, watch
// follows a running gateway's live feed and config prints the effective
// configuration.
package cli
