package gormstore

import "time"

type requestRow struct {
	ID          string `gorm:"primaryKey;size:64"`
	Seq         uint64 `gorm:"index"`
	Type        string `gorm:"index;size:64"`
	Status      string `gorm:"index;size:32"`
	Owner       string `gorm:"index;size:255"`
	Realm       string `gorm:"index;size:255"`
	ClientKeyID string `gorm:"index;size:255"`
	Document    []byte
	Version     int64
	CreatedAt   time.Time
	ModifiedAt  time.Time
}

func (requestRow) TableName() string { return "requests" }

type keyRow struct {
	Serial        uint64 `gorm:"primaryKey;autoIncrement:false"`
	ClientKeyID   string `gorm:"index;size:255"`
	Owner         string `gorm:"index;size:255"`
	Realm         string `gorm:"index;size:255"`
	Status        string `gorm:"index;size:32"`
	DataType      string `gorm:"size:32"`
	Algorithm     string `gorm:"size:32"`
	Size          int
	WrappedKey    []byte
	WrapAlgorithm string `gorm:"size:64"`
	WrapParams    []byte
	PublicKey     []byte
	Metadata      string
	RequestID     string `gorm:"size:64"`
	CreatedAt     time.Time
	ModifiedAt    time.Time
}

func (keyRow) TableName() string { return "key_records" }

type certRow struct {
	Serial           string `gorm:"primaryKey;size:80"`
	DER              []byte
	SubjectDN        string `gorm:"index;size:1024"`
	IssuerDN         string `gorm:"size:1024"`
	Status           string `gorm:"index;size:16"`
	Published        bool
	RequestID        string `gorm:"index;size:64"`
	RevocationReason int
	RevokedAt        *time.Time
	NotBefore        time.Time
	NotAfter         time.Time
	CreatedAt        time.Time
	ModifiedAt       time.Time
}

func (certRow) TableName() string { return "certificates" }

type sequenceRow struct {
	Name  string `gorm:"primaryKey;size:64"`
	Value uint64
}

func (sequenceRow) TableName() string { return "sequences" }
