package cache

// KeyPositions is the hash of last known fused positions, field per bus ID.
const KeyPositions = "positions"
