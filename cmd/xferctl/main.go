// Command xferctl wires internal/engine, internal/display, internal/batch
// and internal/xferio into a cobra CLI, the way the teacher's cmd package
// wires internal.BatchDownload and utils.HTTPClientConfig into rootCmd.
package main

func main() {
	Execute()
}
