package logdecode

// CompactEventsABIJSON lists the events the indexer decodes.
const CompactEventsABIJSON = `[
  {
    "anonymous": false,
    "inputs": [
      {"indexed": false, "internalType": "uint96", "name": "allocatorId", "type": "uint96"},
      {"indexed": false, "internalType": "address", "name": "allocator", "type": "address"}
    ],
    "name": "AllocatorRegistered",
    "type": "event"
  },
  {
    "anonymous": false,
    "inputs": [
      {"indexed": false, "internalType": "address", "name": "by", "type": "address"},
      {"indexed": true, "internalType": "address", "name": "from", "type": "address"},
      {"indexed": true, "internalType": "address", "name": "to", "type": "address"},
      {"indexed": true, "internalType": "uint256", "name": "id", "type": "uint256"},
      {"indexed": false, "internalType": "uint256", "name": "amount", "type": "uint256"}
    ],
    "name": "Transfer",
    "type": "event"
  },
  {
    "anonymous": false,
    "inputs": [
      {"indexed": true, "internalType": "address", "name": "sponsor", "type": "address"},
      {"indexed": true, "internalType": "address", "name": "allocator", "type": "address"},
      {"indexed": true, "internalType": "address", "name": "arbiter", "type": "address"},
      {"indexed": false, "internalType": "bytes32", "name": "claimHash", "type": "bytes32"}
    ],
    "name": "Claim",
    "type": "event"
  },
  {
    "anonymous": false,
    "inputs": [
      {"indexed": true, "internalType": "address", "name": "sponsor", "type": "address"},
      {"indexed": false, "internalType": "bytes32", "name": "claimHash", "type": "bytes32"},
      {"indexed": false, "internalType": "bytes32", "name": "typehash", "type": "bytes32"},
      {"indexed": false, "internalType": "uint256", "name": "expires", "type": "uint256"}
    ],
    "name": "CompactRegistered",
    "type": "event"
  },
  {
    "anonymous": false,
    "inputs": [
      {"indexed": true, "internalType": "address", "name": "account", "type": "address"},
      {"indexed": true, "internalType": "uint256", "name": "id", "type": "uint256"},
      {"indexed": false, "internalType": "bool", "name": "activating", "type": "bool"},
      {"indexed": false, "internalType": "uint256", "name": "withdrawableAt", "type": "uint256"}
    ],
    "name": "ForcedWithdrawalStatusUpdated",
    "type": "event"
  },
  {
    "anonymous": false,
    "inputs": [
      {"indexed": true, "internalType": "address", "name": "owner", "type": "address"},
      {"indexed": true, "internalType": "address", "name": "spender", "type": "address"},
      {"indexed": true, "internalType": "uint256", "name": "id", "type": "uint256"},
      {"indexed": false, "internalType": "uint256", "name": "amount", "type": "uint256"}
    ],
    "name": "Approval",
    "type": "event"
  },
  {
    "anonymous": false,
    "inputs": [
      {"indexed": true, "internalType": "address", "name": "owner", "type": "address"},
      {"indexed": true, "internalType": "address", "name": "spender", "type": "address"},
      {"indexed": false, "internalType": "bool", "name": "approved", "type": "bool"}
    ],
    "name": "OperatorSet",
    "type": "event"
  }
]`
