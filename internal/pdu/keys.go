package pdu

// RFC 3720 text keys and values used during login negotiation and
// discovery (RFC 3720 Sections 11, 12 and Appendix A).

// Identification keys.
const (
	KeyInitiatorName  = "InitiatorName"
	KeyInitiatorAlias = "InitiatorAlias"
	KeyTargetName     = "TargetName"
	KeyTargetAlias    = "TargetAlias"
	KeyTargetAddress  = "TargetAddress"
)

// Session type key and values.
const (
	KeySessionType       = "SessionType"
	ValSessionTypeNormal = "Normal"
	ValSessionTypeDisc   = "Discovery"
)

// Authentication method key and values (RFC 3720 Section 11.1).
const (
	KeyAuthMethod     = "AuthMethod"
	ValAuthMethodNone = "None"
	ValAuthMethodCHAP = "CHAP"

	// ValAuthMethodAll offers every method RFC 3720 names, used when
	// interrogating a target for its preferred method.
	ValAuthMethodAll = "None,CHAP,KRB5,SPKM1,SPKM2,SRP"
)

// CHAP keys (RFC 3720 Section 11.1.4, RFC 1994).
const (
	KeyCHAPAlgorithm = "CHAP_A"
	ValCHAPAlgMD5    = "5"
	KeyCHAPID        = "CHAP_I"
	KeyCHAPChallenge = "CHAP_C"
	KeyCHAPName      = "CHAP_N"
	KeyCHAPResponse  = "CHAP_R"
)

// Session-wide and connection-wide operational keys
// (RFC 3720 Section 12).
const (
	KeyTargetPortalGroupTag     = "TargetPortalGroupTag"
	KeyHeaderDigest             = "HeaderDigest"
	KeyDataDigest               = "DataDigest"
	KeyMaxConnections           = "MaxConnections"
	KeyInitialR2T               = "InitialR2T"
	KeyImmediateData            = "ImmediateData"
	KeyMaxRecvDataSegmentLength = "MaxRecvDataSegmentLength"
	KeyMaxBurstLength           = "MaxBurstLength"
	KeyFirstBurstLength         = "FirstBurstLength"
	KeyDefaultTime2Wait         = "DefaultTime2Wait"
	KeyDefaultTime2Retain       = "DefaultTime2Retain"
	KeyMaxOutstandingR2T        = "MaxOutstandingR2T"
	KeyDataPDUInOrder           = "DataPDUInOrder"
	KeyDataSequenceInOrder      = "DataSequenceInOrder"
	KeyErrorRecoveryLevel       = "ErrorRecoveryLevel"
)

// Digest values.
const (
	ValDigestNone   = "None"
	ValDigestCRC32C = "CRC32C"
)

// Boolean values (RFC 3720 Section 5.2.2).
const (
	ValYes = "Yes"
	ValNo  = "No"
)

// Discovery keys (RFC 3720 Appendix D).
const (
	KeySendTargets    = "SendTargets"
	ValSendTargetsAll = "All"
)
