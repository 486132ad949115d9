package domain

// Fixed framing sizes used by the record space contract.
const (
	recordDiscriminatorLen = 8
	identityKeyLen         = 32
	stringPrefixLen        = 4
	timestampLen           = 8
	stageIndexLen          = 2
	statusLen              = 2
)

// BatchSpace returns the byte budget declared when a batch record with the
// given id and producer name lengths is created.
func BatchSpace(idLen, producerNameLen int) int {
	return recordDiscriminatorLen +
		identityKeyLen +
		stringPrefixLen + idLen +
		stringPrefixLen + producerNameLen +
		timestampLen +
		stageIndexLen +
		stringPrefixLen + DataHashLen +
		statusLen +
		identityKeyLen
}

// StageSpace returns the byte budget declared for a stage record with the given name length.
func StageSpace(stageNameLen int) int {
	return recordDiscriminatorLen +
		identityKeyLen +
		stringPrefixLen + stageNameLen +
		timestampLen +
		identityKeyLen +
		stringPrefixLen + DataHashLen
}

// EncodedSize returns the bytes the batch occupies with its actual field values.
func (b Batch) EncodedSize() int {
	return recordDiscriminatorLen +
		identityKeyLen +
		stringPrefixLen + len(b.ID) +
		stringPrefixLen + len(b.ProducerName) +
		timestampLen +
		stageIndexLen +
		stringPrefixLen + len(b.BatchDataHash) +
		statusLen +
		identityKeyLen
}

// EncodedSize returns the bytes the stage occupies with its actual field values.
func (s Stage) EncodedSize() int {
	return recordDiscriminatorLen +
		identityKeyLen +
		stringPrefixLen + len(s.StageName) +
		timestampLen +
		identityKeyLen +
		stringPrefixLen + len(s.StageDataHash)
}
