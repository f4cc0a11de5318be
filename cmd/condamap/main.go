// Command condamap maintains the conda to PyPI mapping index of conda channels.
//
// Each stage of the pipeline is a subcommand so CI can fan shards out across jobs:
//
//	condamap produce --channel conda-forge          # prints the shard list
//	condamap update --channel conda-forge --shard linux-64@n
//	condamap merge --channel conda-forge
//	condamap relations --channel conda-forge
//
// or run everything in one process with "condamap run".
package main

func main() {
	Execute()
}
