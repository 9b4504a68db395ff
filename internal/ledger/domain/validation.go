package domain

// ValidateRecord checks an audit record before it is appended.
func ValidateRecord(record *TransactionRecord) error {
	if record == nil {
		return ErrInvalidRecordType
	}
	if record.UserID == 0 {
		return ErrInvalidUser
	}
	if record.ReferenceID == 0 {
		return ErrInvalidReference
	}
	if record.Amount == 0 {
		return ErrInvalidAmount
	}
	switch record.RecordType {
	case RecordTypePayment, RecordTypeEarning, RecordTypeRefund, RecordTypePayout, RecordTypeFee:
		return nil
	default:
		return ErrInvalidRecordType
	}
}
