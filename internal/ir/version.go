package ir

// EngineVersion is the transformflow engine version.
const EngineVersion = "0.2.0"
