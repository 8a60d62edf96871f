package dao

import (
	"gorm.io/gorm"
)

type QueryOption func(db *gorm.DB) *gorm.DB

func WithID(id int64) QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("id = ?", id)
	}
}

func WithStringValue(value string) QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("string_value = ?", value)
	}
}
