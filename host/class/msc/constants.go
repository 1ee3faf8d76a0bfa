package msc

// Interface codes of a Bulk-Only mass storage function.
const (
	ClassMSC         = 0x08 // Mass Storage Class
	SubclassSCSI     = 0x06 // SCSI transparent command set
	ProtocolBulkOnly = 0x50 // Bulk-Only Transport
)

// Bulk-Only Transport class requests.
const (
	RequestBulkOnlyMassStorageReset = 0xFF
	RequestGetMaxLUN                = 0xFE
)

// bmRequestType of the class requests: class type, interface recipient.
const (
	requestTypeClassOut = 0x21
	requestTypeClassIn  = 0xA1
)

// Command Block Wrapper constants.
const (
	CBWSignature   = 0x43425355 // "USBC"
	CBWSize        = 31
	CBWFlagDataOut = 0x00
	CBWFlagDataIn  = 0x80
)

// Command Status Wrapper constants.
const (
	CSWSignature        = 0x53425355 // "USBS"
	CSWSize             = 13
	CSWStatusGood       = 0x00
	CSWStatusFailed     = 0x01
	CSWStatusPhaseError = 0x02
)

// SCSI operation codes.
const (
	SCSITestUnitReady        = 0x00
	SCSIRequestSense         = 0x03
	SCSIInquiry              = 0x12
	SCSIModeSense6           = 0x1A
	SCSIStartStopUnit        = 0x1B
	SCSIPreventAllowRemoval  = 0x1E
	SCSIReadFormatCapacities = 0x23
	SCSIReadCapacity10       = 0x25
	SCSIRead10               = 0x28
	SCSIWrite10              = 0x2A
	SCSIVerify10             = 0x2F
	SCSISynchronizeCache10   = 0x35
)

// SCSI sense keys.
const (
	SenseNoSense        = 0x00
	SenseNotReady       = 0x02
	SenseMediumError    = 0x03
	SenseHardwareError  = 0x04
	SenseIllegalRequest = 0x05
	SenseUnitAttention  = 0x06
	SenseDataProtect    = 0x07
)

// Additional sense codes.
const (
	ASCNoAdditionalInfo  = 0x00
	ASCInvalidCommand    = 0x20
	ASCLBAOutOfRange     = 0x21
	ASCInvalidFieldInCDB = 0x24
	ASCWriteProtected    = 0x27
	ASCMediumNotPresent  = 0x3A
)

// Peripheral device types reported by INQUIRY.
const (
	DeviceTypeDisk  = 0x00
	DeviceTypeCDROM = 0x05
)

// Response sizes.
const (
	InquiryStandardSize  = 36
	RequestSenseSize     = 18
	ReadCapacity10Size   = 8
	ModeSense6HeaderSize = 4
)

const (
	inquiryVersionSPC4    = 0x06
	inquiryResponseFormat = 0x02
	inquiryRemovable      = 0x80
	modeSenseWriteProtect = 0x80
	senseResponseCurrent  = 0x70
	senseAdditionalLength = 10
)

// DefaultBlockSize is the logical block size of most disks.
const DefaultBlockSize = 512
