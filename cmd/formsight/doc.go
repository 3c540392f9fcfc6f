// Command formsight is the CLI for the on-device exercise video analysis
// pipeline. It analyzes videos inline when resources allow, manages the
// persistent background job queue, and hosts the resident daemon that
// drains deferred work.
package main
