// Package web3 houses blockchain connectivity for the facilitator: the
// chain client abstraction used to sign, broadcast and confirm the
// transactions the facilitator pays for, plus multi-chain configuration
// helpers loaded from YAML.
package web3
