package hal9

import "github.com/google/uuid"

// UnitID, SignalID, and GradientID are opaque 128-bit identifiers.
type UnitID = uuid.UUID
type SignalID = uuid.UUID
type GradientID = uuid.UUID

// NewUnitID, NewSignalID, and NewGradientID mint fresh random ids.
func NewUnitID() UnitID         { return uuid.New() }
func NewSignalID() SignalID     { return uuid.New() }
func NewGradientID() GradientID { return uuid.New() }
