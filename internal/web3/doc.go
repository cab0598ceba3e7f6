// Package web3 houses blockchain connectivity utilities: multi-chain
// configuration, chain snapshots for health reporting, and the EVM network
// adapter and key loading in the ethereum subpackage. The provider
// subpackage turns chain definitions into the set of networks the wallet
// executor submits through.
package web3
